package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/chunker"
)

// Module provides the embedder fx.Module: provider selection, the chunker
// pool, the chunk+embed service, and the priority dispatcher.
var Module = fx.Module("embedder",
	fx.Provide(
		NewProviderFromConfig,
		NewChunkerPool,
		NewService,
		NewDispatcher,
	),
	fx.Invoke(registerDispatcher),
)

// NewProviderFromConfig selects the provider named by EMBEDDING_PROVIDER.
func NewProviderFromConfig(cfg *config.Config, log *slog.Logger) (Provider, error) {
	ec := &cfg.Embedding

	switch ec.Provider {
	case "jina":
		return NewJinaProvider(ec, log)
	case "cohere":
		return NewCohereProvider(ec, log)
	case "openai":
		return NewOpenAIProvider(ec, log)
	case "bedrock":
		return NewBedrockProvider(ec, log)
	case "local", "":
		log.Info("using local deterministic embedding provider")
		return NewLocalProvider(ec), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}
}

// NewChunkerPool builds the shared chunker worker pool.
func NewChunkerPool(cfg *config.Config) *chunker.Pool {
	c := chunker.New(chunker.NewWordTokenizer(), cfg.Embedding.MaxModelLen)
	return chunker.NewPool(c, 0)
}

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Stop()
			return nil
		},
	})
}
