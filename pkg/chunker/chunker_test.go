package chunker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker() *Chunker {
	return New(NewWordTokenizer(), 0)
}

func joinSpans(text string, spans []Span) string {
	var b strings.Builder
	for _, s := range spans {
		b.WriteString(text[s.CharStart:s.CharEnd])
	}
	return b.String()
}

func TestWordTokenizer(t *testing.T) {
	tok := NewWordTokenizer()

	tests := []struct {
		name  string
		text  string
		words []string
	}{
		{name: "empty", text: "", words: nil},
		{name: "single word", text: "hello", words: []string{"hello"}},
		{name: "sentence", text: "A. B. C.", words: []string{"A.", "B.", "C."}},
		{name: "leading and trailing space", text: "  one two  ", words: []string{"one", "two"}},
		{name: "newlines", text: "first\nsecond\tthird", words: []string{"first", "second", "third"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := tok.Tokenize(tt.text)
			var words []string
			for _, tk := range tokens {
				words = append(words, tt.text[tk.Start:tk.End])
			}
			assert.Equal(t, tt.words, words)
		})
	}
}

func TestChunkNone(t *testing.T) {
	c := newTestChunker()

	spans, err := c.Chunk("one two three", 0, ModeNone)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, 0, spans[0].CharStart)
	assert.Equal(t, 13, spans[0].CharEnd)
	assert.Equal(t, 3, spans[0].TokenCount())
}

func TestChunkEmptyText(t *testing.T) {
	c := newTestChunker()

	for _, mode := range []Mode{ModeNone, ModeFixed, ModeSentence} {
		spans, err := c.Chunk("", 10, mode)
		require.NoError(t, err)
		assert.Empty(t, spans, "mode %s", mode)
	}
}

func TestChunkInvalidChunkSize(t *testing.T) {
	c := newTestChunker()

	for _, mode := range []Mode{ModeFixed, ModeSentence} {
		spans, err := c.Chunk("some text here", 0, mode)
		require.NoError(t, err)
		assert.Empty(t, spans, "mode %s", mode)
	}
}

func TestChunkFixed(t *testing.T) {
	c := newTestChunker()
	text := "one two three four five"

	spans, err := c.Chunk(text, 2, ModeFixed)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	for i, s := range spans[:2] {
		assert.Equal(t, 2, s.TokenCount(), "span %d", i)
	}
	assert.Equal(t, 1, spans[2].TokenCount())

	// Fixed-mode spans tile the full input
	assert.Equal(t, 0, spans[0].CharStart)
	assert.Equal(t, len(text), spans[2].CharEnd)
	assert.Equal(t, text, joinSpans(text, spans))
}

func TestChunkFixedContiguous(t *testing.T) {
	c := newTestChunker()
	text := "a b c d e f g h i j k"

	spans, err := c.Chunk(text, 3, ModeFixed)
	require.NoError(t, err)
	require.NotEmpty(t, spans)

	for i := 1; i < len(spans); i++ {
		assert.Equal(t, spans[i-1].CharEnd, spans[i].CharStart, "gap between span %d and %d", i-1, i)
	}
}

func TestChunkSentenceBoundaries(t *testing.T) {
	c := newTestChunker()
	text := "A. B. C."

	spans, err := c.Chunk(text, 1, ModeSentence)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	for i, s := range spans {
		chunk := text[s.CharStart:s.CharEnd]
		assert.True(t, strings.HasSuffix(chunk, "."), "span %d %q should end at a terminator", i, chunk)
	}
	assert.Equal(t, text, joinSpans(text, spans))
}

func TestChunkSentenceFitsInOne(t *testing.T) {
	c := newTestChunker()
	text := "A. B. C."

	spans, err := c.Chunk(text, 512, ModeSentence)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, text, text[spans[0].CharStart:spans[0].CharEnd])
}

func TestChunkSentencePacking(t *testing.T) {
	c := newTestChunker()
	text := "One two three. Four five. Six seven eight nine."

	spans, err := c.Chunk(text, 5, ModeSentence)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	// First span packs the first two sentences (3 + 2 tokens)
	assert.Equal(t, 5, spans[0].TokenCount())
	assert.Equal(t, "One two three. Four five.", text[spans[0].CharStart:spans[0].CharEnd])
	assert.Equal(t, 4, spans[1].TokenCount())
}

func TestChunkSentenceOversized(t *testing.T) {
	c := newTestChunker()
	text := "Short. This sentence has way too many tokens to fit. End."

	spans, err := c.Chunk(text, 3, ModeSentence)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	// The middle sentence exceeds the budget but is never split
	assert.Greater(t, spans[1].TokenCount(), 3)
	assert.True(t, strings.HasSuffix(text[spans[1].CharStart:spans[1].CharEnd], "fit."))
}

func TestChunkSentenceNoTerminators(t *testing.T) {
	c := newTestChunker()
	text := "no terminators anywhere in this text"

	spans, err := c.Chunk(text, 2, ModeSentence)
	require.NoError(t, err)

	// Without terminators the whole text is one sentence, so one span
	require.Len(t, spans, 1)
	assert.Equal(t, text, text[spans[0].CharStart:spans[0].CharEnd])
}

func TestChunkTextTooLong(t *testing.T) {
	c := New(NewWordTokenizer(), 4)
	text := strings.Repeat("word ", 100)

	_, err := c.Chunk(text, 10, ModeNone)
	var tooLong *TextTooLongError
	require.True(t, errors.As(err, &tooLong))
	assert.Equal(t, 4*maxBytesPerToken, tooLong.Limit)
}

func TestChunkRoundTrip(t *testing.T) {
	c := newTestChunker()
	text := "First sentence here. Second one follows! Third asks a question? Fourth wraps up."

	for _, mode := range []Mode{ModeFixed, ModeSentence} {
		spans, err := c.Chunk(text, 4, mode)
		require.NoError(t, err)
		require.NotEmpty(t, spans)

		joined := joinSpans(text, spans)
		assert.Equal(t, text[spans[0].CharStart:spans[len(spans)-1].CharEnd], joined, "mode %s", mode)
	}
}

func TestPoolChunk(t *testing.T) {
	pool := NewPool(newTestChunker(), 2)

	spans, err := pool.Chunk(context.Background(), "A. B. C.", 1, ModeSentence)
	require.NoError(t, err)
	assert.Len(t, spans, 3)
}

func TestPoolCancelled(t *testing.T) {
	pool := NewPool(newTestChunker(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A held slot forces the cancelled context path
	pool.sem <- struct{}{}
	defer func() { <-pool.sem }()

	_, err := pool.Chunk(ctx, "text", 1, ModeFixed)
	assert.ErrorIs(t, err, context.Canceled)
}
