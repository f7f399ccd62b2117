// Package main provides the entry point for the kbforge pipeline Manager:
// the REST API, the connector SDK surface, the event consumer, and the
// embedding workers all run in this process.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/kbforge/kbforge/domain/contentstore"
	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/domain/events"
	"github.com/kbforge/kbforge/domain/health"
	"github.com/kbforge/kbforge/domain/indexing"
	"github.com/kbforge/kbforge/domain/scheduler"
	"github.com/kbforge/kbforge/domain/search"
	"github.com/kbforge/kbforge/domain/sources"
	"github.com/kbforge/kbforge/domain/syncruns"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/internal/database"
	"github.com/kbforge/kbforge/internal/migrate"
	"github.com/kbforge/kbforge/internal/server"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/pkg/embedder"
	"github.com/kbforge/kbforge/pkg/logger"
)

func main() {
	// Load .env files if present (for local development). Load() won't
	// overwrite existing vars, Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		storage.Module,

		// Embedding provider, chunker pool, and priority dispatcher
		embedder.Module,

		// Domain modules
		health.Module,
		sources.Module,
		syncruns.Module,
		contentstore.Module,
		documents.Module,
		events.Module,
		embedqueue.Module,
		indexing.Module,
		search.Module,

		// Cron-hosted maintenance sweeps
		scheduler.Module,
	).Run()
}
