package sources

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/encryption"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Repository persists sources and their credentials.
type Repository struct {
	db     *bun.DB
	cipher encryption.Cipher
	log    *slog.Logger
}

// NewRepository creates a sources repository
func NewRepository(db *bun.DB, cipher encryption.Cipher, log *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		cipher: cipher,
		log:    log.With(logger.Scope("sources")),
	}
}

// Create inserts a source and its credentials.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*Source, error) {
	if p.Name == "" || p.Type == "" {
		return nil, apperror.NewBadRequest("name and type are required")
	}

	src := &Source{
		ID:        ids.New(),
		Name:      p.Name,
		Type:      p.Type,
		Config:    p.Config,
		State:     map[string]any{},
		IsActive:  true,
		CreatedBy: p.CreatedBy,
	}

	encrypted, err := r.cipher.Encrypt(ctx, p.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	err = r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(src).Exec(ctx); err != nil {
			return fmt.Errorf("insert source: %w", err)
		}

		cred := &Credential{
			ID:                ids.New(),
			SourceID:          src.ID,
			EncryptedSettings: encrypted,
		}
		if _, err := tx.NewInsert().Model(cred).Exec(ctx); err != nil {
			return fmt.Errorf("insert credentials: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("source created",
		slog.String("source_id", src.ID),
		slog.String("type", src.Type),
	)
	return src, nil
}

// GetByID returns a source by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Source, error) {
	src := &Source{}
	err := r.db.NewSelect().
		Model(src).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperror.NewNotFound("source", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// List returns all sources, optionally filtered by connector type.
func (r *Repository) List(ctx context.Context, connectorType string) ([]Source, error) {
	q := r.db.NewSelect().
		Model((*[]Source)(nil)).
		Order("created_at DESC")
	if connectorType != "" {
		q = q.Where("type = ?", connectorType)
	}

	var srcs []Source
	if err := q.Scan(ctx, &srcs); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return srcs, nil
}

// Update mutates a source and, when given, replaces its credentials.
func (r *Repository) Update(ctx context.Context, id string, p UpdateParams) (*Source, error) {
	src, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		src.Name = *p.Name
	}
	if p.Config != nil {
		src.Config = p.Config
	}
	if p.IsActive != nil {
		src.IsActive = *p.IsActive
	}

	err = r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().
			Model(src).
			Column("name", "config", "is_active").
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update source: %w", err)
		}

		if p.Credentials == nil {
			return nil
		}
		encrypted, err := r.cipher.Encrypt(ctx, p.Credentials)
		if err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
		_, err = tx.NewUpdate().
			Model((*Credential)(nil)).
			Set("encrypted_settings = ?", encrypted).
			Set("updated_at = now()").
			Where("source_id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update credentials: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// SoftDelete tombstones a source. Its documents stay until a retention
// sweep removes them.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	result, err := r.db.NewUpdate().
		Model((*Source)(nil)).
		Set("deleted_at = now()").
		Set("is_active = false").
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("source", id)
	}

	r.log.Info("source deleted", slog.String("source_id", id))
	return nil
}

// Credentials returns a source's decrypted credential settings.
func (r *Repository) Credentials(ctx context.Context, sourceID string) (map[string]any, error) {
	cred := &Credential{}
	err := r.db.NewSelect().
		Model(cred).
		Where("source_id = ?", sourceID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	return r.cipher.Decrypt(ctx, cred.EncryptedSettings)
}

// SaveState folds a connector state checkpoint into the source. Watermark
// fields never move backward, so a partial or failed run cannot rewind a
// completed one.
func (r *Repository) SaveState(ctx context.Context, sourceID string, state map[string]any) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		src := &Source{}
		err := tx.NewSelect().
			Model(src).
			Column("id", "state").
			Where("id = ?", sourceID).
			For("UPDATE").
			Scan(ctx)
		if err == sql.ErrNoRows {
			return apperror.NewNotFound("source", sourceID)
		}
		if err != nil {
			return fmt.Errorf("lock source state: %w", err)
		}

		merged := mergeState(src.State, state)
		_, err = tx.NewUpdate().
			Model((*Source)(nil)).
			Set("state = ?", merged).
			Set("updated_at = now()").
			Where("id = ?", sourceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("save source state: %w", err)
		}
		return nil
	})
}

// SyncConfig assembles what a connector runtime needs to run a sync.
func (r *Repository) SyncConfig(ctx context.Context, sourceID string) (*SyncConfig, error) {
	src, err := r.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	creds, err := r.Credentials(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	cfg := src.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	state := src.State
	if state == nil {
		state = map[string]any{}
	}

	return &SyncConfig{
		Config:         cfg,
		Credentials:    creds,
		ConnectorState: state,
	}, nil
}
