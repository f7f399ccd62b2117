package search

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
	"github.com/kbforge/kbforge/pkg/pgutils"
)

// Repository ranks stored embeddings by vector similarity.
type Repository struct {
	db  *bun.DB
	log *slog.Logger
}

// NewRepository creates a new search repository
func NewRepository(db *bun.DB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("search.repo")),
	}
}

// VectorSearch returns the closest chunks to the query vector by cosine
// distance, joined with their document metadata.
func (r *Repository) VectorSearch(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	vectorStr := pgutils.FormatVector(vector)

	// Cosine distance is in [0, 2]; report similarity as 1 - distance.
	query := `
		SELECT e.document_id, d.source_id, d.external_id, d.title, d.url,
			   e.chunk_index, e.char_start, e.char_end,
			   (1 - (e.vector <=> ?::vector)) AS score
		FROM embeddings e
		JOIN documents d ON d.id = e.document_id
		WHERE d.deleted_at IS NULL
		ORDER BY e.vector <=> ?::vector
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, vectorStr, vectorStr, limit)
	if err != nil {
		r.log.Error("vector search failed", logger.Error(err))
		return nil, apperror.ErrStorage.WithInternal(err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var res SearchResult
		if err := rows.Scan(
			&res.DocumentID, &res.SourceID, &res.ExternalID, &res.Title, &res.URL,
			&res.ChunkIndex, &res.CharStart, &res.CharEnd, &res.Score,
		); err != nil {
			return nil, apperror.ErrStorage.WithInternal(err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.ErrStorage.WithInternal(err)
	}

	return results, nil
}
