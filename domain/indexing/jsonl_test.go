package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeyRoundTrip(t *testing.T) {
	key := recordKey{
		ItemID:     "01J8ZQW3N4V5X6Y7Z8A9B0C1D2",
		ChunkIndex: 3,
		ChunkCount: 7,
		CharStart:  1024,
		CharEnd:    2048,
	}

	parsed, err := parseRecordKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseRecordKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"justanid",
		"id/1/2/3",
		"id/1/2/3/4/5",
		"id/one/2/3/4",
	}
	for _, in := range cases {
		_, err := parseRecordKey(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestMissingEmbeddingError(t *testing.T) {
	partial := &MissingEmbeddingError{ItemID: "abc", Expected: 5, Got: 3}
	assert.Contains(t, partial.Error(), "expected 5 chunks, got 3")

	empty := &MissingEmbeddingError{ItemID: "abc"}
	assert.Contains(t, empty.Error(), "no embeddings")
}

func TestOutputKeyMirrorsProviderLayout(t *testing.T) {
	arn := "arn:aws:bedrock:us-east-1:123456789012:model-invocation-job/abcdef123456"
	job := &BatchJob{
		ID:             "01J8ZQW3N4V5X6Y7Z8A9B0C1D2",
		OutputPrefix:   "output/01J8ZQW3N4V5X6Y7Z8A9B0C1D2",
		ProviderJobARN: &arn,
	}

	w := &BatchWorker{}
	assert.Equal(t,
		"output/01J8ZQW3N4V5X6Y7Z8A9B0C1D2/abcdef123456/01J8ZQW3N4V5X6Y7Z8A9B0C1D2.jsonl.out",
		w.outputKey(job),
	)
}
