package embedqueue

import (
	"go.uber.org/fx"
)

var Module = fx.Module("embedqueue",
	fx.Provide(
		NewService,
	),
)
