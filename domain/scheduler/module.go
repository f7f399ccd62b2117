package scheduler

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/domain/syncruns"
	"github.com/kbforge/kbforge/internal/config"
)

// Module provides scheduled maintenance tasks
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Syncs     *syncruns.Service
	Queue     *embedqueue.Service
	Cfg       *config.Config
	Log       *slog.Logger
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	reaper := NewStaleSyncReaperTask(p.Syncs, p.Log)
	if err := p.Scheduler.AddIntervalTask("stale_sync_reaper",
		p.Cfg.Sync.ReaperInterval, reaper.Run); err != nil {
		return err
	}

	deadLetter := NewDeadLetterRequeueTask(p.Queue, p.Log)
	if err := p.Scheduler.AddIntervalTask("dead_letter_requeue",
		p.Cfg.Batch.DeadLetterInterval, deadLetter.Run); err != nil {
		return err
	}

	recovery := NewStaleClaimRecoveryTask(p.Queue, p.Log)
	if err := p.Scheduler.AddIntervalTask("stale_claim_recovery",
		p.Cfg.Batch.DeadLetterInterval, recovery.Run); err != nil {
		return err
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
