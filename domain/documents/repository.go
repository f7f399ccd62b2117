package documents

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Repository persists documents.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a documents repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("documents")),
	}
}

// Upsert creates or updates a document keyed on (source_id, external_id).
// Repeated emissions never produce a second row; re-ingest resets the
// embedding status to pending so the work queue picks the document up
// again. Returns the document and whether the row was newly created.
func (r *Repository) Upsert(ctx context.Context, db bun.IDB, p UpsertParams) (*Document, bool, error) {
	if db == nil {
		db = r.db
	}

	doc := &Document{
		ID:              ids.New(),
		SourceID:        p.SourceID,
		ExternalID:      p.ExternalID,
		Title:           p.Title,
		URL:             p.URL,
		ContentID:       p.ContentID,
		ContentType:     p.ContentType,
		Attributes:      p.Attributes,
		Permissions:     p.Permissions,
		EmbeddingStatus: EmbeddingPending,
		SourceCreatedAt: p.SourceCreatedAt,
		SourceUpdatedAt: p.SourceUpdatedAt,
	}

	err := db.NewRaw(`INSERT INTO documents
			(id, source_id, external_id, title, url, content_id, content_type,
			 attributes, permissions, embedding_status,
			 source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, now(), now())
		ON CONFLICT (source_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			content_id = EXCLUDED.content_id,
			content_type = EXCLUDED.content_type,
			attributes = EXCLUDED.attributes,
			permissions = EXCLUDED.permissions,
			embedding_status = 'pending',
			source_updated_at = EXCLUDED.source_updated_at,
			deleted_at = NULL,
			updated_at = now()
		RETURNING *, (xmax = 0) AS inserted`,
		upsertArgs(doc.ID, p)...,
	).Scan(ctx, doc)
	if err != nil {
		return nil, false, fmt.Errorf("upsert document: %w", err)
	}

	r.log.Debug("document upserted",
		slog.String("document_id", doc.ID),
		slog.String("source_id", doc.SourceID),
		slog.String("external_id", doc.ExternalID),
		slog.Bool("created", doc.Inserted),
	)
	return doc, doc.Inserted, nil
}

// GetByID returns a document by its pipeline ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	err := r.db.NewSelect().
		Model(doc).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperror.NewNotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetByExternalID returns a document by its source-scoped key.
func (r *Repository) GetByExternalID(ctx context.Context, sourceID, externalID string) (*Document, error) {
	doc := &Document{}
	err := r.db.NewSelect().
		Model(doc).
		Where("source_id = ?", sourceID).
		Where("external_id = ?", externalID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperror.NewNotFound("document", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get document by external id: %w", err)
	}
	return doc, nil
}

// List returns documents matching the filters, newest first.
func (r *Repository) List(ctx context.Context, p ListParams) ([]Document, error) {
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := r.db.NewSelect().
		Model((*[]Document)(nil)).
		Order("created_at DESC").
		Limit(limit).
		Offset(p.Offset)

	if p.SourceID != "" {
		q = q.Where("source_id = ?", p.SourceID)
	}
	if p.EmbeddingStatus != "" {
		q = q.Where("embedding_status = ?", p.EmbeddingStatus)
	}

	var docs []Document
	if err := q.Scan(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// SetEmbeddingStatus moves a document to the given indexing state.
func (r *Repository) SetEmbeddingStatus(ctx context.Context, id string, status EmbeddingStatus) error {
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("embedding_status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set embedding status: %w", err)
	}
	return nil
}

// SoftDelete tombstones a document in response to a delete event.
func (r *Repository) SoftDelete(ctx context.Context, db bun.IDB, sourceID, externalID string) error {
	if db == nil {
		db = r.db
	}
	_, err := db.NewUpdate().
		Model((*Document)(nil)).
		Set("deleted_at = now()").
		Set("updated_at = now()").
		Where("source_id = ?", sourceID).
		Where("external_id = ?", externalID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	return nil
}

// CountBySource returns document counts grouped by embedding status.
func (r *Repository) CountBySource(ctx context.Context, sourceID string) (map[string]int64, error) {
	var rows []struct {
		Status string `bun:"embedding_status"`
		Count  int64  `bun:"count"`
	}
	err := r.db.NewSelect().
		Model((*Document)(nil)).
		Column("embedding_status").
		ColumnExpr("COUNT(*) AS count").
		Where("source_id = ?", sourceID).
		Group("embedding_status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// upsertArgs returns the positional arguments for the upsert statement.
// content_id and content_type are NOT NULL DEFAULT '' columns; a document
// without a content body stores '', never NULL.
func upsertArgs(id string, p UpsertParams) []any {
	return []any{
		id, p.SourceID, p.ExternalID, p.Title, p.URL,
		p.ContentID, p.ContentType,
		jsonOrEmpty(p.Attributes), p.Permissions,
		EmbeddingPending, p.SourceCreatedAt, p.SourceUpdatedAt,
	}
}

func jsonOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
