package indexing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kbforge/kbforge/domain/contentstore"
	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/embedder"
	"github.com/kbforge/kbforge/pkg/logger"
	"github.com/kbforge/kbforge/pkg/metrics"
)

// staleClaimAge bounds how long a claimed item can sit in processing before
// startup recovery returns it to pending.
const staleClaimAge = 15 * time.Minute

// Worker is the online batch processor: it claims small batches from the
// work queue, embeds each document through the dispatcher at low priority,
// and stores the chunk vectors. Interactive traffic always preempts it at
// the dispatcher.
type Worker struct {
	queue      *embedqueue.Service
	docs       *documents.Repository
	content    *contentstore.Service
	repo       *Repository
	dispatcher *embedder.Dispatcher
	svc        *embedder.Service
	cfg        *config.Config
	log        *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	metricsMu sync.Mutex
	processed int64
	failed    int64
}

// NewWorker creates the online processor
func NewWorker(
	queue *embedqueue.Service,
	docs *documents.Repository,
	content *contentstore.Service,
	repo *Repository,
	dispatcher *embedder.Dispatcher,
	svc *embedder.Service,
	cfg *config.Config,
	log *slog.Logger,
) *Worker {
	return &Worker{
		queue:      queue,
		docs:       docs,
		content:    content,
		repo:       repo,
		dispatcher: dispatcher,
		svc:        svc,
		cfg:        cfg,
		log:        log.With(logger.Scope("indexing.worker")),
	}
}

// Start launches the polling loop after recovering items a previous run
// left claimed.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	if _, err := w.queue.RecoverStale(ctx, staleClaimAge); err != nil {
		w.log.Warn("stale item recovery failed", logger.Error(err))
	}

	w.log.Info("online batch processor starting",
		slog.Int("batch_size", w.cfg.Batch.OnlineBatchSize),
		slog.Duration("poll_interval", w.cfg.Batch.OnlinePollInterval),
	)
	go w.run(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	select {
	case <-w.stoppedCh:
		w.log.Info("online batch processor stopped")
	case <-ctx.Done():
		w.log.Warn("online batch processor stop timeout")
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.cfg.Batch.OnlinePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch claims one batch and works through it, yielding briefly
// between items so bulk indexing never monopolizes the database.
func (w *Worker) processBatch(ctx context.Context) {
	items, err := w.queue.Claim(ctx, w.cfg.Batch.OnlineBatchSize)
	if err != nil {
		w.log.Error("claim failed", logger.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	w.log.Debug("processing batch", slog.Int("items", len(items)))

	for i, item := range items {
		select {
		case <-w.stopCh:
			w.releaseRemaining(ctx, items[i:])
			return
		case <-ctx.Done():
			w.releaseRemaining(ctx, items[i:])
			return
		default:
		}

		w.processItem(ctx, item)

		if w.cfg.Batch.OnlineYieldInterval > 0 && i < len(items)-1 {
			time.Sleep(w.cfg.Batch.OnlineYieldInterval)
		}
	}
}

// releaseRemaining returns unprocessed claimed items to pending on
// shutdown, without burning their retry budget.
func (w *Worker) releaseRemaining(ctx context.Context, items []*embedqueue.Item) {
	for _, item := range items {
		if err := w.queue.Release(context.WithoutCancel(ctx), item.ID); err != nil {
			w.log.Warn("release on shutdown failed",
				slog.String("item_id", item.ID),
				logger.Error(err),
			)
		}
	}
}

func (w *Worker) processItem(ctx context.Context, item *embedqueue.Item) {
	start := time.Now()

	err := w.embedDocument(ctx, item.DocumentID)
	if err == nil {
		if markErr := w.queue.MarkCompleted(ctx, item.ID); markErr != nil {
			w.log.Error("mark completed failed", slog.String("item_id", item.ID), logger.Error(markErr))
		}
		w.metricsMu.Lock()
		w.processed++
		w.metricsMu.Unlock()
		metrics.DocumentsEmbedded.Inc()

		w.log.Debug("document embedded",
			slog.String("document_id", item.DocumentID),
			slog.Duration("took", time.Since(start)),
		)
		return
	}

	w.metricsMu.Lock()
	w.failed++
	w.metricsMu.Unlock()
	metrics.DocumentsEmbedFailed.Inc()

	terminal := false
	if apperror.IsRetryable(err) {
		var markErr error
		terminal, markErr = w.queue.MarkFailed(ctx, item.ID, err)
		if markErr != nil {
			w.log.Error("mark failed failed", slog.String("item_id", item.ID), logger.Error(markErr))
		}
	} else {
		terminal = true
		if markErr := w.queue.MarkFailedTerminal(ctx, item.ID, err); markErr != nil {
			w.log.Error("mark failed failed", slog.String("item_id", item.ID), logger.Error(markErr))
		}
	}

	if terminal {
		if statusErr := w.docs.SetEmbeddingStatus(ctx, item.DocumentID, documents.EmbeddingFailed); statusErr != nil {
			w.log.Error("set document status failed", slog.String("document_id", item.DocumentID), logger.Error(statusErr))
		}
	}
}

// embedDocument runs the full pipeline for one document: load content,
// chunk and embed at low priority, store vectors, flip the status.
func (w *Worker) embedDocument(ctx context.Context, documentID string) error {
	doc, err := w.docs.GetByID(ctx, documentID)
	if err != nil {
		if apperror.IsNotFound(err) {
			// Deleted between enqueue and claim; drop its vectors and move on
			return w.repo.DeleteEmbeddings(ctx, documentID)
		}
		return err
	}

	if err := w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingProcessing); err != nil {
		return err
	}

	if doc.ContentID == "" {
		// Metadata-only document: nothing to embed
		if err := w.repo.DeleteEmbeddings(ctx, doc.ID); err != nil {
			return err
		}
		return w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingCompleted)
	}

	data, _, err := w.content.Get(ctx, doc.ContentID)
	if err != nil {
		return err
	}

	results, err := w.dispatcher.Submit(ctx, []string{string(data)},
		embedder.TaskPassage, w.cfg.Embedding.ChunkSize, chunker.ModeSentence, embedder.PriorityLow)
	if err != nil {
		return err
	}

	if err := w.repo.ReplaceEmbeddings(ctx, doc.ID, w.svc.Provider().ModelName(), results[0].Chunks); err != nil {
		return err
	}

	return w.docs.SetEmbeddingStatus(ctx, doc.ID, documents.EmbeddingCompleted)
}

// Metrics returns processed and failed counters since start.
func (w *Worker) Metrics() (processed, failed int64) {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.processed, w.failed
}
