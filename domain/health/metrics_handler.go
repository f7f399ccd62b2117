package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/domain/embedqueue"
)

// MetricsHandler reports pipeline queue depths
type MetricsHandler struct {
	db    *bun.DB
	queue *embedqueue.Service
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(db *bun.DB, queue *embedqueue.Service) *MetricsHandler {
	return &MetricsHandler{
		db:    db,
		queue: queue,
	}
}

// EmbeddingQueueStats returns the work queue's own stats view, including
// retry and dead-letter counts the depth query does not break out.
func (h *MetricsHandler) EmbeddingQueueStats(c echo.Context) error {
	stats, err := h.queue.GetStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// QueueMetrics represents depth counters for one pipeline queue
type QueueMetrics struct {
	Queue       string `json:"queue"`
	Pending     int64  `json:"pending"`
	Processing  int64  `json:"processing"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	Total       int64  `json:"total"`
	LastHour    int64  `json:"last_hour"`
	Last24Hours int64  `json:"last_24_hours"`
}

// PipelineMetrics contains metrics for every pipeline queue
type PipelineMetrics struct {
	Queues    []QueueMetrics `json:"queues"`
	Timestamp string         `json:"timestamp"`
}

// queueTable describes one queue-shaped table. Status vocabularies differ
// slightly between queues, so the in-flight statuses are listed per table.
type queueTable struct {
	name       string
	table      string
	inFlight   string
	doneStatus string
}

// QueueMetrics returns depth counters for the pipeline queues
func (h *MetricsHandler) QueueMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	queues := []queueTable{
		{name: "embedding_queue", table: "embedding_queue", inFlight: "'processing'", doneStatus: "completed"},
		{name: "connector_events", table: "connector_events_queue", inFlight: "'processing'", doneStatus: "consumed"},
		{name: "sync_runs", table: "sync_runs", inFlight: "'running'", doneStatus: "completed"},
		{name: "embedding_batch_jobs", table: "embedding_batch_jobs", inFlight: "'preparing', 'submitted'", doneStatus: "completed"},
	}

	var all []QueueMetrics
	for _, q := range queues {
		metrics, err := h.getQueueMetrics(ctx, q)
		if err != nil {
			continue
		}
		all = append(all, *metrics)
	}

	return c.JSON(http.StatusOK, PipelineMetrics{
		Queues:    all,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *MetricsHandler) getQueueMetrics(ctx context.Context, q queueTable) (*QueueMetrics, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') as pending,
			COUNT(*) FILTER (WHERE status IN (` + q.inFlight + `)) as processing,
			COUNT(*) FILTER (WHERE status = '` + q.doneStatus + `') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '1 hour') as last_hour,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '24 hours') as last_24_hours
		FROM ` + q.table

	var row struct {
		Pending     int64 `bun:"pending"`
		Processing  int64 `bun:"processing"`
		Completed   int64 `bun:"completed"`
		Failed      int64 `bun:"failed"`
		Total       int64 `bun:"total"`
		LastHour    int64 `bun:"last_hour"`
		Last24Hours int64 `bun:"last_24_hours"`
	}

	if err := h.db.NewRaw(query).Scan(ctx, &row); err != nil {
		return nil, err
	}

	return &QueueMetrics{
		Queue:       q.name,
		Pending:     row.Pending,
		Processing:  row.Processing,
		Completed:   row.Completed,
		Failed:      row.Failed,
		Total:       row.Total,
		LastHour:    row.LastHour,
		Last24Hours: row.Last24Hours,
	}, nil
}
