package events

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(
		NewService,
		NewConsumer,
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
		registerConsumer,
	),
)

func registerConsumer(lc fx.Lifecycle, c *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return c.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return c.Stop(ctx)
		},
	})
}
