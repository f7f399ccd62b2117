package syncruns

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/domain/sources"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
	"github.com/kbforge/kbforge/pkg/metrics"
	"github.com/kbforge/kbforge/pkg/pgutils"
)

// Service manages sync run lifecycle and the heartbeat bookkeeping the
// stale-sync reaper depends on.
type Service struct {
	db      *bun.DB
	sources *sources.Repository
	cfg     *config.Config
	log     *slog.Logger
}

// NewService creates the sync run service
func NewService(db *bun.DB, srcRepo *sources.Repository, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		db:      db,
		sources: srcRepo,
		cfg:     cfg,
		log:     log.With(logger.Scope("syncruns")),
	}
}

// Start creates a running sync for the source. Overlap with an existing
// running sync yields 409; the database's partial unique index is the
// authority, not a racy pre-check. Concurrency caps are enforced best
// effort before the insert.
func (s *Service) Start(ctx context.Context, sourceID, syncMode string) (*SyncRun, error) {
	src, err := s.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !src.IsActive {
		return nil, apperror.NewBadRequest("source is not active")
	}
	if syncMode == "" {
		syncMode = "incremental"
	}

	if err := s.checkConcurrency(ctx, src.Type); err != nil {
		return nil, err
	}

	run := &SyncRun{
		ID:       ids.New(),
		SourceID: sourceID,
		Status:   StatusRunning,
		SyncMode: syncMode,
	}
	if _, err := s.db.NewInsert().Model(run).Returning("*").Exec(ctx); err != nil {
		if pgutils.IsUniqueViolation(err) {
			return nil, apperror.ErrConflict.WithMessagef("source %s already has a running sync", sourceID)
		}
		return nil, fmt.Errorf("start sync run: %w", err)
	}

	s.log.Info("sync run started",
		slog.String("sync_run_id", run.ID),
		slog.String("source_id", sourceID),
		slog.String("mode", syncMode),
	)
	return run, nil
}

func (s *Service) checkConcurrency(ctx context.Context, connectorType string) error {
	total, err := s.db.NewSelect().
		Model((*SyncRun)(nil)).
		Where("status = ?", StatusRunning).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("count running syncs: %w", err)
	}
	if total >= s.cfg.Sync.MaxConcurrentSyncs {
		return apperror.ErrOverloaded.WithMessagef("at the limit of %d concurrent syncs", s.cfg.Sync.MaxConcurrentSyncs)
	}

	perType, err := s.db.NewSelect().
		Model((*SyncRun)(nil)).
		Join("JOIN sources AS s ON s.id = sync_run.source_id").
		Where("sync_run.status = ?", StatusRunning).
		Where("s.type = ?", connectorType).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("count running syncs per type: %w", err)
	}
	if perType >= s.cfg.Sync.MaxConcurrentSyncsPerType {
		return apperror.ErrOverloaded.WithMessagef("at the limit of %d concurrent %s syncs", s.cfg.Sync.MaxConcurrentSyncsPerType, connectorType)
	}
	return nil
}

// GetByID returns a sync run.
func (s *Service) GetByID(ctx context.Context, id string) (*SyncRun, error) {
	run := &SyncRun{}
	err := s.db.NewSelect().
		Model(run).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperror.NewNotFound("sync run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return run, nil
}

// List returns recent sync runs, optionally filtered by source.
func (s *Service) List(ctx context.Context, sourceID string, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.NewSelect().
		Model((*[]SyncRun)(nil)).
		Order("started_at DESC").
		Limit(limit)
	if sourceID != "" {
		q = q.Where("source_id = ?", sourceID)
	}

	var runs []SyncRun
	if err := q.Scan(ctx, &runs); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

// Heartbeat bumps the run's liveness watermark.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	result, err := s.db.NewUpdate().
		Model((*SyncRun)(nil)).
		Set("last_heartbeat_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("running sync", id)
	}
	return nil
}

// IncrementScanned bumps the scanned counter and doubles as a heartbeat.
func (s *Service) IncrementScanned(ctx context.Context, id string) error {
	result, err := s.db.NewUpdate().
		Model((*SyncRun)(nil)).
		Set("documents_scanned = documents_scanned + 1").
		Set("last_heartbeat_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("increment scanned: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("running sync", id)
	}
	return nil
}

// Complete finishes a run successfully and folds the connector's final
// state into the source.
func (s *Service) Complete(ctx context.Context, id string, p CompleteParams) error {
	run, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return apperror.ErrConflict.WithMessagef("sync run %s already %s", id, run.Status)
	}

	if p.NewState != nil {
		if err := s.sources.SaveState(ctx, run.SourceID, p.NewState); err != nil {
			return err
		}
	}

	_, err = s.db.NewUpdate().
		Model((*SyncRun)(nil)).
		Set("status = ?", StatusCompleted).
		Set("documents_scanned = GREATEST(documents_scanned, ?)", p.DocumentsScanned).
		Set("documents_updated = ?", p.DocumentsUpdated).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete sync run: %w", err)
	}

	metrics.SyncsCompleted.WithLabelValues(string(StatusCompleted)).Inc()
	s.log.Info("sync run completed",
		slog.String("sync_run_id", id),
		slog.Int("documents_scanned", p.DocumentsScanned),
		slog.Int("documents_updated", p.DocumentsUpdated),
	)
	return nil
}

// Fail terminates a run with an error message. Already-terminal runs are
// left alone.
func (s *Service) Fail(ctx context.Context, id, message string) error {
	return s.terminate(ctx, id, StatusFailed, message)
}

// Cancel marks a run cancelled. The connector runtime observes the signal
// separately; this records the terminal state.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.terminate(ctx, id, StatusCancelled, "")
}

func (s *Service) terminate(ctx context.Context, id string, status Status, message string) error {
	q := s.db.NewUpdate().
		Model((*SyncRun)(nil)).
		Set("status = ?", status).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusRunning)
	if message != "" {
		q = q.Set("error_message = ?", message)
	}

	result, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("terminate sync run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperror.NewNotFound("running sync", id)
	}

	metrics.SyncsCompleted.WithLabelValues(string(status)).Inc()
	s.log.Info("sync run terminated",
		slog.String("sync_run_id", id),
		slog.String("status", string(status)),
		slog.String("error", message),
	)
	return nil
}

// ReapStale fails every running sync whose last heartbeat is older than
// the stale timeout. Run periodically by the scheduler.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Sync.StaleSyncTimeout())

	result, err := s.db.NewUpdate().
		Model((*SyncRun)(nil)).
		Set("status = ?", StatusFailed).
		Set("error_message = ?", "sync reaped: no heartbeat within stale timeout").
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("status = ?", StatusRunning).
		Where("last_heartbeat_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap stale syncs: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.log.Warn("reaped stale sync runs", slog.Int64("count", count))
	}
	return int(count), nil
}
