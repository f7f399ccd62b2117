// Package metrics holds the Prometheus instruments for the ingestion
// pipeline. Instruments are registered at init via promauto and scraped
// from GET /metrics on the Manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests served, by method, path and status",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Event queue
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_events_consumed_total",
		Help: "Connector events applied to the document store, by type",
	}, []string{"type"})

	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connector_events_failed_total",
		Help: "Connector events that failed to apply",
	})

	// Embedding work queue
	DocumentsEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embedding_documents_processed_total",
		Help: "Documents embedded by the online worker",
	})

	DocumentsEmbedFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embedding_documents_failed_total",
		Help: "Document embedding attempts that failed",
	})

	// Sync runs
	SyncsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_runs_finished_total",
		Help: "Sync runs that reached a terminal status",
	}, []string{"status"})
)
