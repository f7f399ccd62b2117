package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kbforge/kbforge/domain/embedqueue"
	"github.com/kbforge/kbforge/domain/syncruns"
	"github.com/kbforge/kbforge/pkg/logger"
)

// staleClaimAge is how long a claimed embedding item may sit in processing
// before it is treated as abandoned by a crashed worker.
const staleClaimAge = 15 * time.Minute

// StaleSyncReaperTask fails sync runs whose connector stopped
// heartbeating.
type StaleSyncReaperTask struct {
	syncs *syncruns.Service
	log   *slog.Logger
}

// NewStaleSyncReaperTask creates the stale sync reaper
func NewStaleSyncReaperTask(syncs *syncruns.Service, log *slog.Logger) *StaleSyncReaperTask {
	return &StaleSyncReaperTask{
		syncs: syncs,
		log:   log.With(logger.Scope("scheduler.sync_reaper")),
	}
}

// Run reaps stale sync runs
func (t *StaleSyncReaperTask) Run(ctx context.Context) error {
	reaped, err := t.syncs.ReapStale(ctx)
	if err != nil {
		return err
	}
	if reaped > 0 {
		t.log.Info("reaped stale sync runs", slog.Int("count", reaped))
	}
	return nil
}

// DeadLetterRequeueTask returns failed embedding items that still have
// retry budget to the pending pool.
type DeadLetterRequeueTask struct {
	queue *embedqueue.Service
	log   *slog.Logger
}

// NewDeadLetterRequeueTask creates the dead-letter requeue task
func NewDeadLetterRequeueTask(queue *embedqueue.Service, log *slog.Logger) *DeadLetterRequeueTask {
	return &DeadLetterRequeueTask{
		queue: queue,
		log:   log.With(logger.Scope("scheduler.dead_letter")),
	}
}

// Run requeues retryable failed items
func (t *DeadLetterRequeueTask) Run(ctx context.Context) error {
	requeued, err := t.queue.RequeueFailed(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		t.log.Info("requeued failed embedding items", slog.Int("count", requeued))
	}
	return nil
}

// StaleClaimRecoveryTask releases embedding items claimed by workers that
// died mid-batch. The online worker also recovers on startup; this task
// covers deployments where only the cloud-batch path runs.
type StaleClaimRecoveryTask struct {
	queue *embedqueue.Service
	log   *slog.Logger
}

// NewStaleClaimRecoveryTask creates the stale claim recovery task
func NewStaleClaimRecoveryTask(queue *embedqueue.Service, log *slog.Logger) *StaleClaimRecoveryTask {
	return &StaleClaimRecoveryTask{
		queue: queue,
		log:   log.With(logger.Scope("scheduler.claim_recovery")),
	}
}

// Run releases stale claims back to pending
func (t *StaleClaimRecoveryTask) Run(ctx context.Context) error {
	recovered, err := t.queue.RecoverStale(ctx, staleClaimAge)
	if err != nil {
		return err
	}
	if recovered > 0 {
		t.log.Info("recovered stale embedding claims", slog.Int("count", recovered))
	}
	return nil
}
