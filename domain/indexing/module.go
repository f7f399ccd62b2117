package indexing

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/kbforge/kbforge/domain/contentstore"
	"github.com/kbforge/kbforge/domain/documents"
	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/pkg/chunker"
	"github.com/kbforge/kbforge/pkg/embedder"
)

var Module = fx.Module("indexing",
	fx.Provide(
		NewRepository,
		NewWorker,
	),
	fx.Invoke(registerProcessor),
)

type batchDeps struct {
	fx.In

	DB      *bun.DB
	Queue   *embedqueue.Service
	Docs    *documents.Repository
	Content *contentstore.Service
	Repo    *Repository
	Blobs   *storage.Service
	Pool    *chunker.Pool
	Svc     *embedder.Service
	Log     *slog.Logger
}

// registerProcessor starts exactly one batch path: the Bedrock cloud-batch
// worker when a batch role is configured for the bedrock provider, the
// online processor otherwise.
func registerProcessor(lc fx.Lifecycle, cfg *config.Config, worker *Worker, deps batchDeps) {
	if !cfg.Batch.UseCloudBatch(cfg.Embedding.Provider) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return worker.Start(context.Background())
			},
			OnStop: func(ctx context.Context) error {
				return worker.Stop(ctx)
			},
		})
		return
	}

	var batch *BatchWorker
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !deps.Blobs.Enabled() {
				return fmt.Errorf("cloud-batch embedding requires blob storage")
			}

			awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithRegion(cfg.Embedding.AWSRegion),
			)
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}

			batch = NewBatchWorker(
				deps.DB, deps.Queue, deps.Docs, deps.Content, deps.Repo,
				deps.Blobs, deps.Pool, deps.Svc,
				bedrock.NewFromConfig(awsCfg), cfg, deps.Log,
			)
			return batch.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			if batch == nil {
				return nil
			}
			return batch.Stop(ctx)
		},
	})
}
