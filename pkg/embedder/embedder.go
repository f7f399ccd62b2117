// Package embedder provides the provider-abstracted embedding layer: a
// common provider contract, per-provider adapters sharing one retry
// envelope, and the priority dispatcher that multiplexes interactive and
// bulk traffic onto a single provider.
package embedder

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
)

// Task selects how a provider encodes the text.
type Task string

const (
	// TaskQuery embeds search-time queries.
	TaskQuery Task = "query"
	// TaskPassage embeds indexed document passages.
	TaskPassage Task = "passage"
)

// Chunk is one embedded span of a source text.
type Chunk struct {
	CharStart int
	CharEnd   int
	Vector    []float32
}

// TextEmbedding holds the ordered chunks for one input text.
type TextEmbedding struct {
	Chunks []Chunk
}

// Provider is the contract every embedding backend implements. Embed
// returns one vector per input text, in input order. Implementations split
// oversized inputs into provider-sized batches transparently.
type Provider interface {
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)
	ModelName() string
	Dimensions() int
}

// embedInBatches splits texts into batches of at most batchCap and
// reassembles the results in input order.
func embedInBatches(ctx context.Context, texts []string, batchCap int, call func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchCap <= 0 || len(texts) <= batchCap {
		return call(ctx, texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchCap {
		end := start + batchCap
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, apperror.ErrAPI.WithMessagef("provider returned %d vectors for %d inputs", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Service combines the chunker with a provider: it slices each text into
// spans, embeds every span, and reassembles per-text chunk lists.
type Service struct {
	provider Provider
	pool     *chunker.Pool
	log      *slog.Logger
}

// NewService creates an embedding service over the given provider.
func NewService(provider Provider, pool *chunker.Pool, log *slog.Logger) *Service {
	return &Service{
		provider: provider,
		pool:     pool,
		log:      log,
	}
}

// Provider returns the underlying provider.
func (s *Service) Provider() Provider {
	return s.provider
}

// EmbedTexts chunks each text and embeds all chunks in one provider pass.
// Chunks are embedded independently; a chunk's vector depends only on its
// own span text.
func (s *Service) EmbedTexts(ctx context.Context, texts []string, task Task, chunkSize int, mode chunker.Mode) ([]TextEmbedding, error) {
	spansPerText := make([][]chunker.Span, len(texts))
	var flat []string

	for i, text := range texts {
		spans, err := s.pool.Chunk(ctx, text, chunkSize, mode)
		if err != nil {
			var tooLong *chunker.TextTooLongError
			if errors.As(err, &tooLong) {
				return nil, apperror.ErrValidation.WithMessage(tooLong.Error())
			}
			return nil, err
		}
		spansPerText[i] = spans
		for _, sp := range spans {
			flat = append(flat, text[sp.CharStart:sp.CharEnd])
		}
	}

	vectors, err := s.provider.Embed(ctx, flat, task)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(flat) {
		return nil, apperror.ErrAPI.WithMessagef("provider returned %d vectors for %d chunks", len(vectors), len(flat))
	}

	out := make([]TextEmbedding, len(texts))
	next := 0
	for i, spans := range spansPerText {
		chunks := make([]Chunk, 0, len(spans))
		for _, sp := range spans {
			chunks = append(chunks, Chunk{
				CharStart: sp.CharStart,
				CharEnd:   sp.CharEnd,
				Vector:    vectors[next],
			})
			next++
		}
		out[i] = TextEmbedding{Chunks: chunks}
	}
	return out, nil
}

// EmbedText is the single-text convenience form of EmbedTexts.
func (s *Service) EmbedText(ctx context.Context, text string, task Task, chunkSize int, mode chunker.Mode) ([]Chunk, error) {
	res, err := s.EmbedTexts(ctx, []string{text}, task, chunkSize, mode)
	if err != nil {
		return nil, err
	}
	return res[0].Chunks, nil
}
