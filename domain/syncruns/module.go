package syncruns

import (
	"go.uber.org/fx"
)

var Module = fx.Module("syncruns",
	fx.Provide(
		NewService,
		NewLauncher,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
