// Package main runs the GitHub connector as a standalone runtime process.
// The Manager reaches it over HTTP on the connector port to start syncs,
// cancel them, and invoke actions.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/kbforge/kbforge/domain/connectors"
	"github.com/kbforge/kbforge/domain/connectors/github"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/internal/server"
	"github.com/kbforge/kbforge/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		logger.Module,
		config.Module,

		// The runtime binds its own listener on the connector port, so we
		// take the echo constructor without the Manager's server lifecycle.
		fx.Provide(server.NewEcho),

		fx.Provide(
			fx.Annotate(github.New, fx.As(new(connectors.Connector))),
		),
		connectors.RuntimeModule,
	).Run()
}
