package contentstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Service is the content-addressed blob store. Bodies go to the S3 backend
// when one is configured, otherwise inline into the blob row; either way the
// caller gets back a content ID that resolves through Get from the moment
// Save returns.
type Service struct {
	db    bun.IDB
	blobs *storage.Service
	log   *slog.Logger
}

// NewService creates a content store service
func NewService(db bun.IDB, blobs *storage.Service, log *slog.Logger) *Service {
	return &Service{
		db:    db,
		blobs: blobs,
		log:   log.With(logger.Scope("contentstore")),
	}
}

// Save stores content and returns its content ID. IDs are ULIDs, so they
// sort by issue time.
func (s *Service) Save(ctx context.Context, data []byte, contentType string) (string, error) {
	id := ids.New()

	blob := &ContentBlob{
		ID:          id,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}

	if s.blobs.Enabled() {
		key := "content/" + id
		if err := s.blobs.Put(ctx, s.blobs.ContentBucket(), key, data, contentType); err != nil {
			return "", apperror.ErrStorage.WithMessage("save content blob").WithInternal(err)
		}
		blob.StorageBackend = BackendS3
		blob.StorageKey = key
	} else {
		blob.StorageBackend = BackendDB
		blob.Data = data
	}

	if _, err := s.db.NewInsert().Model(blob).Exec(ctx); err != nil {
		return "", apperror.ErrStorage.WithMessage("save content record").WithInternal(err)
	}

	s.log.Debug("content saved",
		slog.String("content_id", id),
		slog.String("backend", blob.StorageBackend),
		slog.Int("size", len(data)),
	)
	return id, nil
}

// Get retrieves content bytes by content ID.
func (s *Service) Get(ctx context.Context, contentID string) ([]byte, string, error) {
	blob := &ContentBlob{}
	err := s.db.NewSelect().
		Model(blob).
		Where("id = ?", contentID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, "", apperror.NewNotFound("content", contentID)
	}
	if err != nil {
		return nil, "", apperror.ErrStorage.WithMessage("load content record").WithInternal(err)
	}

	switch blob.StorageBackend {
	case BackendDB:
		return blob.Data, blob.ContentType, nil
	case BackendS3:
		data, err := s.blobs.Get(ctx, s.blobs.ContentBucket(), blob.StorageKey)
		if err != nil {
			return nil, "", apperror.ErrStorage.WithMessage("load content blob").WithInternal(err)
		}
		return data, blob.ContentType, nil
	default:
		return nil, "", fmt.Errorf("unknown storage backend %q for content %s", blob.StorageBackend, contentID)
	}
}

// Delete removes a blob. Content normally outlives its document; this
// exists for retention sweeps only.
func (s *Service) Delete(ctx context.Context, contentID string) error {
	blob := &ContentBlob{}
	err := s.db.NewSelect().
		Model(blob).
		Column("id", "storage_backend", "storage_key").
		Where("id = ?", contentID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperror.ErrStorage.WithMessage("load content record").WithInternal(err)
	}

	if blob.StorageBackend == BackendS3 {
		if err := s.blobs.Delete(ctx, s.blobs.ContentBucket(), blob.StorageKey); err != nil {
			return apperror.ErrStorage.WithMessage("delete content blob").WithInternal(err)
		}
	}

	if _, err := s.db.NewDelete().Model((*ContentBlob)(nil)).Where("id = ?", contentID).Exec(ctx); err != nil {
		return apperror.ErrStorage.WithMessage("delete content record").WithInternal(err)
	}
	return nil
}
