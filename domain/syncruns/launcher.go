package syncruns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/logger"
)

// launchTimeout bounds one call to the connector runtime. Starting a sync
// only confirms the runtime accepted it; the sync itself runs for as long
// as it needs.
const launchTimeout = 10 * time.Second

// runControl is the slice of the sync run service the launcher uses.
type runControl interface {
	Start(ctx context.Context, sourceID, syncMode string) (*SyncRun, error)
	Fail(ctx context.Context, id, message string) error
}

// Launcher mints sync runs and hands them to the connector runtime. Run
// creation lives on the Manager side so the single-running-per-source rule
// and the concurrency caps apply before any connector starts working.
type Launcher struct {
	svc        runControl
	runtimeURL string
	client     *http.Client
	log        *slog.Logger
}

// NewLauncher creates a sync launcher
func NewLauncher(svc *Service, cfg *config.Config, log *slog.Logger) *Launcher {
	return &Launcher{
		svc:        svc,
		runtimeURL: cfg.Connector.RuntimeURL,
		client:     &http.Client{Timeout: launchTimeout},
		log:        log.With(logger.Scope("syncruns.launcher")),
	}
}

// Trigger starts a run for the source and tells the runtime to begin
// syncing it. If the runtime cannot be reached or rejects the request, the
// freshly minted run is failed immediately so it does not sit in running
// until the reaper finds it.
func (l *Launcher) Trigger(ctx context.Context, sourceID, syncMode string) (*SyncRun, error) {
	run, err := l.svc.Start(ctx, sourceID, syncMode)
	if err != nil {
		return nil, err
	}

	if err := l.post(ctx, "/sync", map[string]string{
		"sync_run_id": run.ID,
		"source_id":   run.SourceID,
		"sync_mode":   run.SyncMode,
	}); err != nil {
		l.abort(ctx, run.ID, fmt.Sprintf("connector runtime rejected sync: %v", err))
		return nil, err
	}

	l.log.Info("sync handed to runtime",
		slog.String("sync_run_id", run.ID),
		slog.String("source_id", sourceID),
	)
	return run, nil
}

// RequestCancel forwards a cancellation to the runtime. The run only flips
// to cancelled when the runtime reports back that the connector stopped.
func (l *Launcher) RequestCancel(ctx context.Context, syncRunID string) error {
	return l.post(ctx, "/cancel", map[string]string{"sync_run_id": syncRunID})
}

func (l *Launcher) post(ctx context.Context, path string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal runtime request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.runtimeURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return apperror.ErrTransient.WithMessage("connector runtime unreachable").WithInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return apperror.FromStatus(resp.StatusCode, string(b))
	}
	return nil
}

// abort fails a run that never reached the runtime.
func (l *Launcher) abort(ctx context.Context, runID, message string) {
	if err := l.svc.Fail(context.WithoutCancel(ctx), runID, message); err != nil {
		l.log.Error("failed to abort unstarted sync run",
			slog.String("sync_run_id", runID),
			logger.Error(err),
		)
	}
}
