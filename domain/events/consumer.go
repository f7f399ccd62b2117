package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
	"github.com/kbforge/kbforge/pkg/metrics"
)

const (
	consumerPollInterval = time.Second
	consumerBatchSize    = 50
)

// Consumer drains the event queue into document rows and embedding work.
// Each event is applied in its own transaction: the document upsert, the
// work-queue enqueue, and the consumed mark commit together or not at all.
type Consumer struct {
	db     *bun.DB
	events *Service
	docs   *documents.Repository
	queue  *embedqueue.Service
	log    *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// NewConsumer creates the event consumer
func NewConsumer(db *bun.DB, events *Service, docs *documents.Repository, queue *embedqueue.Service, log *slog.Logger) *Consumer {
	return &Consumer{
		db:     db,
		events: events,
		docs:   docs,
		queue:  queue,
		log:    log.With(logger.Scope("events.consumer")),
	}
}

// Start begins the polling loop
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	c.log.Info("event consumer starting", slog.Duration("poll_interval", consumerPollInterval))
	go c.run(ctx)
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	select {
	case <-c.stoppedCh:
		c.log.Info("event consumer stopped")
	case <-ctx.Done():
		c.log.Warn("event consumer stop timeout")
	}
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(consumerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

// drain applies up to consumerBatchSize events, stopping early when the
// queue is empty or shutdown begins.
func (c *Consumer) drain(ctx context.Context) {
	for i := 0; i < consumerBatchSize; i++ {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		applied, err := c.applyNext(ctx)
		if err != nil {
			c.log.Warn("apply event failed", logger.Error(err))
			return
		}
		if !applied {
			return
		}
	}
}

// applyNext claims and applies one event transactionally. Returns false
// when no event was pending.
func (c *Consumer) applyNext(ctx context.Context) (bool, error) {
	var applied bool
	var failedID string
	var failedErr error

	err := c.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ev, err := c.events.ClaimNext(ctx, tx)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		applied = true

		if err := c.apply(ctx, tx, ev); err != nil {
			// Remember the failure; it is recorded outside this tx so the
			// rollback cannot erase it
			failedID = ev.ID
			failedErr = err
			return err
		}

		if err := c.events.MarkConsumed(ctx, tx, ev.ID); err != nil {
			return err
		}
		metrics.EventsConsumed.WithLabelValues(ev.Type).Inc()
		return nil
	})

	if err != nil && failedID != "" {
		metrics.EventsFailed.Inc()
		if markErr := c.events.MarkFailed(ctx, failedID, failedErr); markErr != nil {
			c.log.Error("failed to mark event failed",
				slog.String("event_id", failedID),
				logger.Error(markErr),
			)
		}
		return true, err
	}
	return applied, err
}

func (c *Consumer) apply(ctx context.Context, tx bun.Tx, ev *QueuedEvent) error {
	switch ev.Type {
	case TypeDocumentCreated, TypeDocumentUpdated:
		return c.applyUpsert(ctx, tx, ev)

	case TypeDocumentDeleted:
		return c.applyDelete(ctx, tx, ev)

	case TypeDocumentError:
		// Per-entity connector errors are informational; the sync run
		// already carries the error context
		msg := ""
		if ev.Error != nil {
			msg = *ev.Error
		}
		c.log.Warn("connector reported document error",
			slog.String("source_id", ev.SourceID),
			slog.String("external_id", ev.DocumentID),
			slog.String("error", msg),
		)
		return nil

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (c *Consumer) applyUpsert(ctx context.Context, tx bun.Tx, ev *QueuedEvent) error {
	params := documents.UpsertParams{
		SourceID:   ev.SourceID,
		ExternalID: ev.DocumentID,
		Attributes: ev.Attributes,
	}
	if ev.ContentID != nil {
		params.ContentID = *ev.ContentID
	}
	if ev.Permissions != nil {
		params.Permissions = *ev.Permissions
	}
	if ev.Metadata != nil {
		params.Title = ev.Metadata.Title
		params.URL = ev.Metadata.URL
		params.ContentType = ev.Metadata.ContentType
		params.SourceCreatedAt = ev.Metadata.CreatedAt
		params.SourceUpdatedAt = ev.Metadata.UpdatedAt
	}

	doc, _, err := c.docs.Upsert(ctx, tx, params)
	if err != nil {
		return err
	}

	// One active work item per document, created in the same commit
	_, err = c.queue.Enqueue(ctx, tx, doc.ID)
	return err
}

// applyDelete tombstones the document and clears everything downstream of
// it: its chunk vectors and any queued embedding work. A tombstone for an
// unknown document is a no-op so replays stay idempotent.
func (c *Consumer) applyDelete(ctx context.Context, tx bun.Tx, ev *QueuedEvent) error {
	doc, err := c.docs.GetByExternalID(ctx, ev.SourceID, ev.DocumentID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := c.docs.SoftDelete(ctx, tx, ev.SourceID, ev.DocumentID); err != nil {
		return err
	}
	if _, err := tx.NewDelete().Table("embeddings").Where("document_id = ?", doc.ID).Exec(ctx); err != nil {
		return fmt.Errorf("delete embeddings for document: %w", err)
	}
	return c.queue.DropForDocument(ctx, tx, doc.ID)
}
