package sources

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/kbforge/kbforge/pkg/encryption"
)

var Module = fx.Module("sources",
	fx.Provide(
		newCipher,
		NewRepository,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func newCipher(db *bun.DB, log *slog.Logger) encryption.Cipher {
	return encryption.NewService(db, log)
}
