package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/cache"
	"github.com/kbforge/kbforge/pkg/logger"
)

// RuntimeModule wires a connector runtime process. The hosted Connector
// implementation is provided by the binary's main.
var RuntimeModule = fx.Module("connector-runtime",
	fx.Provide(
		NewManagerClient,
		cache.New,
		NewRuntime,
	),
	fx.Invoke(startRuntime),
)

// startRuntime serves the runtime RPC surface on the connector port.
func startRuntime(lc fx.Lifecycle, rt *Runtime, e *echo.Echo, cfg *config.Config, log *slog.Logger) {
	log = log.With(logger.Scope("runtime.server"))
	rt.RegisterRoutes(e)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.Connector.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting connector runtime",
				slog.String("address", server.Addr),
				slog.String("connector", rt.connector.Manifest().Name),
			)

			go func() {
				if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
					log.Error("runtime server error", logger.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	})
}
