// Package events owns the durable connector event queue. Connectors append
// document events over the SDK surface; the consumer drains them into
// document rows and embedding work items in one transaction per event.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/ids"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Service appends and claims queued connector events.
type Service struct {
	db  bun.IDB
	log *slog.Logger
}

// NewService creates the events service
func NewService(db bun.IDB, log *slog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With(logger.Scope("events")),
	}
}

// Append durably enqueues one connector event.
func (s *Service) Append(ctx context.Context, syncRunID, sourceID string, ev Event) (*QueuedEvent, error) {
	if ev.Type == "" || ev.DocumentID == "" {
		return nil, apperror.NewBadRequest("event requires type and document_id")
	}
	switch ev.Type {
	case TypeDocumentCreated, TypeDocumentUpdated, TypeDocumentDeleted, TypeDocumentError:
	default:
		return nil, apperror.NewBadRequest(fmt.Sprintf("unknown event type %q", ev.Type))
	}

	row := &QueuedEvent{
		ID:          ids.New(),
		SyncRunID:   syncRunID,
		SourceID:    sourceID,
		Type:        ev.Type,
		DocumentID:  ev.DocumentID,
		Metadata:    ev.Metadata,
		Permissions: ev.Permissions,
		Attributes:  ev.Attributes,
		Status:      StatusPending,
	}
	if ev.ContentID != "" {
		row.ContentID = &ev.ContentID
	}
	if ev.Error != "" {
		row.Error = &ev.Error
	}

	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	s.log.Debug("event appended",
		slog.String("event_id", row.ID),
		slog.String("type", row.Type),
		slog.String("source_id", sourceID),
		slog.String("document_id", row.DocumentID),
	)
	return row, nil
}

// ClaimNext locks the oldest pending event inside the caller's
// transaction, skipping rows held by concurrent consumers. The row-level
// lock lasts until the transaction commits, so applying the event and
// marking it consumed are atomic. Returns nil when nothing is pending.
func (s *Service) ClaimNext(ctx context.Context, tx bun.IDB) (*QueuedEvent, error) {
	row := &QueuedEvent{}
	err := tx.NewRaw(`SELECT * FROM connector_events_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next event: %w", err)
	}
	return row, nil
}

// MarkConsumed finishes an event inside the caller's transaction.
func (s *Service) MarkConsumed(ctx context.Context, tx bun.IDB, id string) error {
	_, err := tx.NewUpdate().
		Model((*QueuedEvent)(nil)).
		Set("status = ?", StatusConsumed).
		Set("consumed_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark event consumed: %w", err)
	}
	return nil
}

// MarkFailed flags an event the consumer could not apply.
func (s *Service) MarkFailed(ctx context.Context, id string, evErr error) error {
	msg := evErr.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	_, err := s.db.NewUpdate().
		Model((*QueuedEvent)(nil)).
		Set("status = ?", StatusFailed).
		Set("error_message = ?", msg).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// CountForSyncRun returns how many events a sync run has emitted by type.
func (s *Service) CountForSyncRun(ctx context.Context, syncRunID string) (map[string]int64, error) {
	var rows []struct {
		Type  string `bun:"type"`
		Count int64  `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*QueuedEvent)(nil)).
		Column("type").
		ColumnExpr("COUNT(*) AS count").
		Where("sync_run_id = ?", syncRunID).
		Group("type").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count events for sync run: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}
