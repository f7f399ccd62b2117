package search

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/embedder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	embedCfg := &config.EmbeddingConfig{Dimensions: 8}
	provider := embedder.NewLocalProvider(embedCfg)
	pool := chunker.NewPool(chunker.New(chunker.NewWordTokenizer(), 0), 2)
	embeds := embedder.NewService(provider, pool, discardLogger())

	cfg := &config.Config{}
	cfg.Embedding.QueueCapacity = 10

	d := embedder.NewDispatcher(embeds, cfg, discardLogger())
	d.Start()
	t.Cleanup(d.Stop)

	return NewService(d, embeds, nil, discardLogger())
}

func TestEmbedWholeTexts(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Embed(context.Background(), &EmbedRequest{
		Texts: []string{"first text", "second text"},
		Task:  "query",
	})
	require.NoError(t, err)

	require.Len(t, resp.Embeddings, 2)
	require.Len(t, resp.ChunksCount, 2)
	require.Len(t, resp.Chunks, 2)
	assert.NotEmpty(t, resp.ModelName)

	for i := range resp.Embeddings {
		assert.Equal(t, 1, resp.ChunksCount[i])
		require.Len(t, resp.Embeddings[i], 1)
		assert.Len(t, resp.Embeddings[i][0], 8)
		assert.Equal(t, 0, resp.Chunks[i][0][0])
	}
	assert.Equal(t, len("first text"), resp.Chunks[0][0][1])
}

func TestEmbedSentenceChunks(t *testing.T) {
	svc := newTestService(t)

	text := "One sentence here. Another sentence follows. And one more to go."
	resp, err := svc.Embed(context.Background(), &EmbedRequest{
		Texts:        []string{text},
		Task:         "passage",
		ChunkSize:    4,
		ChunkingMode: "sentence",
	})
	require.NoError(t, err)

	require.Len(t, resp.Embeddings, 1)
	require.Greater(t, resp.ChunksCount[0], 1)
	assert.Equal(t, resp.ChunksCount[0], len(resp.Embeddings[0]))
	assert.Equal(t, resp.ChunksCount[0], len(resp.Chunks[0]))

	// Spans tile the text in order without rewinding.
	prevEnd := 0
	for _, span := range resp.Chunks[0] {
		assert.GreaterOrEqual(t, span[0], prevEnd)
		assert.Greater(t, span[1], span[0])
		prevEnd = span[1]
	}
}

func TestEmbedInvalidMode(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Embed(context.Background(), &EmbedRequest{
		Texts:        []string{"hello"},
		ChunkingMode: "semantic",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrBadRequest)
}

func TestParseMode(t *testing.T) {
	mode, err := parseMode("")
	require.NoError(t, err)
	assert.Equal(t, chunker.ModeNone, mode)

	mode, err = parseMode("fixed")
	require.NoError(t, err)
	assert.Equal(t, chunker.ModeFixed, mode)

	mode, err = parseMode("sentence")
	require.NoError(t, err)
	assert.Equal(t, chunker.ModeSentence, mode)

	_, err = parseMode("paragraph")
	require.Error(t, err)
}
