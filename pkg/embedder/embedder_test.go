package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/chunker"
)

func TestEmbedInBatchesPreservesOrder(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	var batches [][]string

	vectors, err := embedInBatches(context.Background(), texts, 2, func(_ context.Context, batch []string) ([][]float32, error) {
		batches = append(batches, batch)
		out := make([][]float32, len(batch))
		for i, text := range batch {
			out[i] = []float32{float32(len(text)), float32(text[0])}
		}
		return out, nil
	})
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])

	require.Len(t, vectors, 5)
	for i, text := range texts {
		assert.Equal(t, float32(text[0]), vectors[i][1])
	}
}

func TestEmbedInBatchesEmpty(t *testing.T) {
	called := false
	vectors, err := embedInBatches(context.Background(), nil, 10, func(_ context.Context, _ []string) ([][]float32, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.False(t, called)
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(&config.EmbeddingConfig{Dimensions: 64})

	first, err := p.Embed(context.Background(), []string{"same text", "other"}, TaskPassage)
	require.NoError(t, err)
	second, err := p.Embed(context.Background(), []string{"same text"}, TaskPassage)
	require.NoError(t, err)

	assert.Equal(t, first[0], second[0], "identical text must embed identically")
	assert.NotEqual(t, first[0], first[1])
	assert.Len(t, first[0], 64)
}

func TestLocalProviderTaskDistinguishesVectors(t *testing.T) {
	p := NewLocalProvider(&config.EmbeddingConfig{Dimensions: 32})

	asQuery, err := p.Embed(context.Background(), []string{"text"}, TaskQuery)
	require.NoError(t, err)
	asPassage, err := p.Embed(context.Background(), []string{"text"}, TaskPassage)
	require.NoError(t, err)

	assert.NotEqual(t, asQuery[0], asPassage[0])
}

func TestServiceEmbedTextsZipsSpansAndVectors(t *testing.T) {
	pool := chunker.NewPool(chunker.New(chunker.NewWordTokenizer(), 0), 2)
	svc := NewService(NewLocalProvider(&config.EmbeddingConfig{Dimensions: 16}), pool, discardLogger())

	text := "First sentence. Second sentence. Third one."
	res, err := svc.EmbedTexts(context.Background(), []string{text, "short"}, TaskPassage, 2, chunker.ModeSentence)
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.Len(t, res[0].Chunks, 3)
	for i, c := range res[0].Chunks {
		assert.Len(t, c.Vector, 16, "chunk %d", i)
		assert.Less(t, c.CharStart, c.CharEnd)
	}
	// Spans are contiguous over the text
	for i := 1; i < len(res[0].Chunks); i++ {
		assert.Equal(t, res[0].Chunks[i-1].CharEnd, res[0].Chunks[i].CharStart)
	}

	require.Len(t, res[1].Chunks, 1)
	assert.Equal(t, "short", "short"[res[1].Chunks[0].CharStart:res[1].Chunks[0].CharEnd])
}

func TestServiceEmbedTextEmpty(t *testing.T) {
	pool := chunker.NewPool(chunker.New(chunker.NewWordTokenizer(), 0), 2)
	svc := NewService(NewLocalProvider(&config.EmbeddingConfig{Dimensions: 8}), pool, discardLogger())

	chunks, err := svc.EmbedText(context.Background(), "", TaskQuery, 10, chunker.ModeSentence)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
