package search

import (
	"context"
	"log/slog"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/embedder"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Service serves interactive embedding requests and vector search. Both go
// through the dispatcher so interactive traffic is prioritized against
// bulk indexing.
type Service struct {
	dispatcher *embedder.Dispatcher
	embeds     *embedder.Service
	repo       *Repository
	log        *slog.Logger
}

// NewService creates a new search service
func NewService(dispatcher *embedder.Dispatcher, embeds *embedder.Service, repo *Repository, log *slog.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		embeds:     embeds,
		repo:       repo,
		log:        log.With(logger.Scope("search.svc")),
	}
}

// parseMode maps the wire chunking mode to a chunker mode. An empty mode
// embeds each text whole.
func parseMode(s string) (chunker.Mode, error) {
	switch s {
	case "", string(chunker.ModeNone):
		return chunker.ModeNone, nil
	case string(chunker.ModeFixed):
		return chunker.ModeFixed, nil
	case string(chunker.ModeSentence):
		return chunker.ModeSentence, nil
	default:
		return "", apperror.NewBadRequest("chunking_mode must be none, fixed, or sentence")
	}
}

// Embed chunks and embeds the request texts at the requested priority.
func (s *Service) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	mode, err := parseMode(req.ChunkingMode)
	if err != nil {
		return nil, err
	}

	task := embedder.TaskQuery
	if req.Task == string(embedder.TaskPassage) {
		task = embedder.TaskPassage
	}

	priority := embedder.ParsePriority(req.Priority)

	results, err := s.dispatcher.Submit(ctx, req.Texts, task, req.ChunkSize, mode, priority)
	if err != nil {
		return nil, err
	}

	resp := &EmbedResponse{
		Embeddings:  make([][][]float32, len(results)),
		ChunksCount: make([]int, len(results)),
		Chunks:      make([][][2]int, len(results)),
		ModelName:   s.embeds.Provider().ModelName(),
	}
	for i, te := range results {
		vectors := make([][]float32, len(te.Chunks))
		spans := make([][2]int, len(te.Chunks))
		for j, chunk := range te.Chunks {
			vectors[j] = chunk.Vector
			spans[j] = [2]int{chunk.CharStart, chunk.CharEnd}
		}
		resp.Embeddings[i] = vectors
		resp.ChunksCount[i] = len(te.Chunks)
		resp.Chunks[i] = spans
	}
	return resp, nil
}

// Search embeds the query at high priority and ranks stored embeddings by
// cosine similarity.
func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	results, err := s.dispatcher.Submit(ctx, []string{req.Query},
		embedder.TaskQuery, 0, chunker.ModeNone, embedder.PriorityHigh)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Chunks) == 0 {
		return nil, apperror.ErrInternal.WithMessage("query produced no embedding")
	}

	matches, err := s.repo.VectorSearch(ctx, results[0].Chunks[0].Vector, req.Limit)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:   matches,
		ModelName: s.embeds.Provider().ModelName(),
	}, nil
}
