// Package migrate runs embedded SQL migrations using Goose.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/kbforge/kbforge/migrations"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Module provides the migrator and applies pending migrations on startup.
var Module = fx.Module("migrate",
	fx.Provide(NewMigrator),
	fx.Invoke(runOnStart),
)

// Migrator handles database migrations.
type Migrator struct {
	db  *bun.DB
	log *slog.Logger
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *bun.DB, log *slog.Logger) *Migrator {
	return &Migrator{
		db:  db,
		log: log.With(logger.Scope("migrate")),
	}
}

func setup() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	m.log.Info("running database migrations")

	if err := setup(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, m.db.DB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	m.log.Info("migrations completed")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	m.log.Info("rolling back last migration")

	if err := setup(); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, m.db.DB, "."); err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Version returns the current database version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}

	version, err := goose.GetDBVersionContext(ctx, m.db.DB)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// RunWithDB runs migrations using a raw *sql.DB connection.
func RunWithDB(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runOnStart applies pending migrations before the server starts serving.
func runOnStart(lc fx.Lifecycle, m *Migrator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Up(ctx)
		},
	})
}
