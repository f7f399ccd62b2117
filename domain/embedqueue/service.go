// Package embedqueue implements the durable per-document work queue that
// feeds the batch processor. Claims use FOR UPDATE SKIP LOCKED so that
// concurrent claimers never receive the same row.
package embedqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Service manages the embedding work queue.
type Service struct {
	db         bun.IDB
	log        *slog.Logger
	maxRetries int
}

// NewService creates the queue service
func NewService(db bun.IDB, cfg *config.Config, log *slog.Logger) *Service {
	maxRetries := cfg.Batch.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		db:         db,
		log:        log.With(logger.Scope("embedqueue")),
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the configured retry bound.
func (s *Service) MaxRetries() int {
	return s.maxRetries
}

// Enqueue creates a queue item for the document, or returns the existing
// active one. Exactly one item per document is ever active.
func (s *Service) Enqueue(ctx context.Context, db bun.IDB, documentID string) (*Item, error) {
	if db == nil {
		db = s.db
	}

	existing := &Item{}
	err := db.NewSelect().
		Model(existing).
		Where("document_id = ?", documentID).
		Where("status IN ('pending', 'processing')").
		Limit(1).
		Scan(ctx)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing queue item: %w", err)
	}

	item := &Item{
		ID:         ids.New(),
		DocumentID: documentID,
		Status:     StatusPending,
	}
	if _, err := enqueueInsert(db, item).Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue embedding item: %w", err)
	}

	s.log.Debug("enqueued embedding item",
		slog.String("item_id", item.ID),
		slog.String("document_id", documentID),
	)
	return item, nil
}

// enqueueInsert builds the insert behind Enqueue. The unique index on
// document_id keeps one queue row per document for its whole lifetime, so
// re-ingesting a document whose row already finished (completed, or failed
// terminally) revives that row in place instead of inserting a duplicate.
func enqueueInsert(db bun.IDB, item *Item) *bun.InsertQuery {
	return db.NewInsert().
		Model(item).
		On("CONFLICT (document_id) DO UPDATE").
		Set("status = 'pending'").
		Set("retry_count = 0").
		Set("batch_job_id = NULL").
		Set("started_at = NULL").
		Set("processed_at = NULL").
		Set("error_message = NULL").
		Set("updated_at = now()").
		Returning("*")
}

// DropForDocument removes the document's queue item, if any. Used when a
// tombstone arrives so deleted documents never reach the worker.
func (s *Service) DropForDocument(ctx context.Context, db bun.IDB, documentID string) error {
	if db == nil {
		db = s.db
	}
	_, err := db.NewDelete().
		Model((*Item)(nil)).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("drop queue item for document: %w", err)
	}
	return nil
}

// Claim atomically moves up to batchSize pending items to processing and
// returns them. Only items with no batch job and retry_count below the
// bound are eligible; rows locked by concurrent claimers are skipped.
func (s *Service) Claim(ctx context.Context, batchSize int) ([]*Item, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	var items []*Item
	err := s.db.NewRaw(`WITH cte AS (
		SELECT id FROM embedding_queue
		WHERE status = 'pending'
			AND batch_job_id IS NULL
			AND retry_count < ?
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT ?
	)
	UPDATE embedding_queue q
	SET status = 'processing',
		started_at = now(),
		updated_at = now()
	FROM cte WHERE q.id = cte.id
	RETURNING q.*`, s.maxRetries, batchSize).Scan(ctx, &items)
	if err != nil {
		return nil, fmt.Errorf("claim embedding items: %w", err)
	}

	return items, nil
}

// MarkCompleted finishes an item successfully.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusCompleted).
		Set("processed_at = ?", now).
		Set("error_message = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	s.log.Debug("embedding item completed", slog.String("item_id", id))
	return nil
}

// MarkFailed records a failure. With retries left the item goes back to
// pending via the dead-letter poller; at the bound it is terminal. The
// returned flag reports whether the item is now terminal.
func (s *Service) MarkFailed(ctx context.Context, id string, itemErr error) (bool, error) {
	item := &Item{}
	err := s.db.NewSelect().
		Model(item).
		Column("id", "retry_count").
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		s.log.Warn("embedding item not found when marking failed", slog.String("item_id", id))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get item for mark failed: %w", err)
	}

	retryCount := item.RetryCount + 1
	terminal := retryCount >= s.maxRetries

	now := time.Now()
	_, err = s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusFailed).
		Set("retry_count = ?", retryCount).
		Set("error_message = ?", truncateError(itemErr.Error())).
		Set("processed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}

	s.log.Warn("embedding item failed",
		slog.String("item_id", id),
		slog.Int("retry_count", retryCount),
		slog.Bool("terminal", terminal),
		logger.Error(itemErr),
	)
	return terminal, nil
}

// MarkFailedTerminal fails an item past the retry bound in one step, for
// errors no retry can fix.
func (s *Service) MarkFailedTerminal(ctx context.Context, id string, itemErr error) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusFailed).
		Set("retry_count = ?", s.maxRetries).
		Set("error_message = ?", truncateError(itemErr.Error())).
		Set("processed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark failed terminal: %w", err)
	}

	s.log.Warn("embedding item failed terminally",
		slog.String("item_id", id),
		logger.Error(itemErr),
	)
	return nil
}

// Release returns a claimed item to pending without burning a retry, for
// shutdowns mid-batch.
func (s *Service) Release(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusPending).
		Set("started_at = NULL").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release item: %w", err)
	}
	return nil
}

// RequeueFailed is the dead-letter sweep: failed items still under the
// retry bound go back to pending.
func (s *Service) RequeueFailed(ctx context.Context) (int, error) {
	result, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusPending).
		Set("started_at = NULL").
		Set("updated_at = now()").
		Where("status = ?", StatusFailed).
		Where("retry_count < ?", s.maxRetries).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.log.Info("requeued failed embedding items", slog.Int64("count", count))
	}
	return int(count), nil
}

// RecoverStale resets items stuck in processing with no batch job, for
// crash recovery. Items owned by a batch job are reconciled against the
// provider instead.
func (s *Service) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}

	result, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("status = ?", StatusPending).
		Set("started_at = NULL").
		Set("updated_at = now()").
		Where("status = ?", StatusProcessing).
		Where("batch_job_id IS NULL").
		Where("started_at < ?", time.Now().Add(-staleAfter)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale items: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.log.Warn("recovered stale embedding items", slog.Int64("count", count))
	}
	return int(count), nil
}

// AssignBatchJob stamps the batch job onto the given items and moves them
// to processing, excluding them from online claims.
func (s *Service) AssignBatchJob(ctx context.Context, db bun.IDB, itemIDs []string, batchJobID string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if db == nil {
		db = s.db
	}

	_, err := db.NewUpdate().
		Model((*Item)(nil)).
		Set("batch_job_id = ?", batchJobID).
		Set("status = ?", StatusProcessing).
		Set("started_at = now()").
		Set("updated_at = now()").
		Where("id IN (?)", bun.In(itemIDs)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("assign batch job: %w", err)
	}
	return nil
}

// ReleaseBatchJob detaches a batch job's unfinished items and returns them
// to pending, without burning a retry. Used when a job is abandoned before
// the provider produced output.
func (s *Service) ReleaseBatchJob(ctx context.Context, batchJobID string) (int, error) {
	result, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("batch_job_id = NULL").
		Set("status = ?", StatusPending).
		Set("started_at = NULL").
		Set("updated_at = now()").
		Where("batch_job_id = ?", batchJobID).
		Where("status = ?", StatusProcessing).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("release batch job items: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.log.Info("released batch job items",
			slog.String("batch_job_id", batchJobID),
			slog.Int64("count", count),
		)
	}
	return int(count), nil
}

// DetachBatchJob clears the batch job stamp from a job's unfinished items
// so the retry machinery can see them again. Completed items keep the stamp
// for audit.
func (s *Service) DetachBatchJob(ctx context.Context, batchJobID string) error {
	_, err := s.db.NewUpdate().
		Model((*Item)(nil)).
		Set("batch_job_id = NULL").
		Set("updated_at = now()").
		Where("batch_job_id = ?", batchJobID).
		Where("status != ?", StatusCompleted).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("detach batch job items: %w", err)
	}
	return nil
}

// ItemsForBatchJob returns all items owned by a batch job.
func (s *Service) ItemsForBatchJob(ctx context.Context, batchJobID string) ([]*Item, error) {
	var items []*Item
	err := s.db.NewSelect().
		Model(&items).
		Where("batch_job_id = ?", batchJobID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("items for batch job: %w", err)
	}
	return items, nil
}

// PendingForAccumulation returns pending items eligible for a new cloud
// batch, oldest first.
func (s *Service) PendingForAccumulation(ctx context.Context, limit int) ([]*Item, error) {
	var items []*Item
	err := s.db.NewSelect().
		Model(&items).
		Where("status = ?", StatusPending).
		Where("batch_job_id IS NULL").
		Where("retry_count < ?", s.maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending for accumulation: %w", err)
	}
	return items, nil
}

// OldestPendingAge returns how long the oldest pending item has waited, or
// zero when the queue is empty.
func (s *Service) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var createdAt time.Time
	err := s.db.NewSelect().
		Model((*Item)(nil)).
		Column("created_at").
		Where("status = ?", StatusPending).
		Where("batch_job_id IS NULL").
		Where("retry_count < ?", s.maxRetries).
		Order("created_at ASC").
		Limit(1).
		Scan(ctx, &createdAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("oldest pending age: %w", err)
	}
	return time.Since(createdAt), nil
}

// GetStats returns queue counters. Dead-letter counts failed items at the
// retry bound.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.NewRaw(`SELECT
		COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		COUNT(*) FILTER (WHERE status = 'processing') AS processing,
		COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		COUNT(*) FILTER (WHERE status = 'failed' AND retry_count < ?) AS failed,
		COUNT(*) FILTER (WHERE status = 'failed' AND retry_count >= ?) AS dead_letter
	FROM embedding_queue`, s.maxRetries, s.maxRetries).
		Scan(ctx, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func truncateError(msg string) string {
	const maxLen = 2000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
