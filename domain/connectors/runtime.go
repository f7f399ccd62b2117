package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/apperror"
	"github.com/kbforge/kbforge/pkg/cache"
	"github.com/kbforge/kbforge/pkg/logger"
)

// actionTimeout bounds one connector action invocation.
const actionTimeout = 30 * time.Second

// syncHandle tracks one in-flight sync for cancellation. Cancellation is
// cooperative: the flag flips and the connector notices at its next check;
// the context stays alive so the final state save can still go out.
type syncHandle struct {
	sourceID  string
	cancelled *atomic.Bool
}

// Runtime hosts one connector implementation behind the runtime RPC
// surface.
type Runtime struct {
	connector Connector
	manager   *ManagerClient
	cache     *cache.Cache
	cfg       *config.Config
	log       *slog.Logger

	mu    sync.Mutex
	syncs map[string]*syncHandle
}

// NewRuntime creates a connector runtime
func NewRuntime(connector Connector, manager *ManagerClient, actionCache *cache.Cache, cfg *config.Config, log *slog.Logger) *Runtime {
	return &Runtime{
		connector: connector,
		manager:   manager,
		cache:     actionCache,
		cfg:       cfg,
		log:       log.With(logger.Scope("runtime"), slog.String("connector", connector.Manifest().Name)),
		syncs:     make(map[string]*syncHandle),
	}
}

// Health handles GET /health
func (r *Runtime) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": r.connector.Manifest().Name,
	})
}

// GetManifest handles GET /manifest
func (r *Runtime) GetManifest(c echo.Context) error {
	return c.JSON(http.StatusOK, r.connector.Manifest())
}

type syncRequestBody struct {
	SyncRunID string `json:"sync_run_id"`
	SourceID  string `json:"source_id"`
	SyncMode  string `json:"sync_mode"`
}

// StartSync handles POST /sync. The sync itself runs in a goroutine; the
// response only confirms it started.
func (r *Runtime) StartSync(c echo.Context) error {
	var body syncRequestBody
	if err := c.Bind(&body); err != nil {
		return apperror.NewBadRequest("invalid sync payload")
	}
	if body.SyncRunID == "" || body.SourceID == "" {
		return apperror.NewBadRequest("sync_run_id and source_id are required")
	}

	r.mu.Lock()
	for _, h := range r.syncs {
		if h.sourceID == body.SourceID {
			r.mu.Unlock()
			return apperror.ErrConflict.WithMessagef("source %s already syncing", body.SourceID)
		}
	}
	handle := &syncHandle{sourceID: body.SourceID, cancelled: &atomic.Bool{}}
	r.syncs[body.SyncRunID] = handle
	r.mu.Unlock()

	syncCfg, err := r.manager.SyncConfig(c.Request().Context(), body.SourceID)
	if err != nil {
		r.removeSync(body.SyncRunID)
		return err
	}

	req := SyncRequest{
		SyncRunID:   body.SyncRunID,
		SourceID:    body.SourceID,
		SyncMode:    body.SyncMode,
		Config:      syncCfg.Config,
		Credentials: syncCfg.Credentials,
		State:       syncCfg.ConnectorState,
	}

	go r.runSync(handle, req)

	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (r *Runtime) runSync(handle *syncHandle, req SyncRequest) {
	defer r.removeSync(req.SyncRunID)

	ctx := context.Background()
	sdk := NewSDK(r.manager, req.SyncRunID, req.SourceID, handle.cancelled, r.log)

	r.log.Info("sync starting",
		slog.String("sync_run_id", req.SyncRunID),
		slog.String("source_id", req.SourceID),
		slog.String("mode", req.SyncMode),
	)

	err := r.connector.Sync(ctx, sdk, req)

	switch {
	case handle.cancelled.Load():
		// The connector already checkpointed whatever it got through
		if reportErr := r.manager.Cancelled(ctx, req.SyncRunID); reportErr != nil {
			r.log.Warn("cancellation report failed", logger.Error(reportErr))
		}
		r.log.Info("sync cancelled", slog.String("sync_run_id", req.SyncRunID))

	case err != nil:
		if reportErr := r.manager.Fail(ctx, req.SyncRunID, err.Error()); reportErr != nil {
			r.log.Warn("failure report failed", logger.Error(reportErr))
		}
		r.log.Warn("sync failed",
			slog.String("sync_run_id", req.SyncRunID),
			logger.Error(err),
		)

	default:
		// The connector reported completion through the SDK
		r.log.Info("sync finished",
			slog.String("sync_run_id", req.SyncRunID),
			slog.Int("emitted", sdk.Emitted()),
		)
	}
}

func (r *Runtime) removeSync(syncRunID string) {
	r.mu.Lock()
	delete(r.syncs, syncRunID)
	r.mu.Unlock()
}

type cancelRequestBody struct {
	SyncRunID string `json:"sync_run_id"`
}

// Cancel handles POST /cancel
func (r *Runtime) Cancel(c echo.Context) error {
	var body cancelRequestBody
	if err := c.Bind(&body); err != nil {
		return apperror.NewBadRequest("invalid cancel payload")
	}

	r.mu.Lock()
	handle, ok := r.syncs[body.SyncRunID]
	r.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"status": "not_found"})
	}

	handle.cancelled.Store(true)
	r.log.Info("cancellation requested", slog.String("sync_run_id", body.SyncRunID))
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// InvokeAction handles POST /action. Read-mode action results are cached
// briefly; write actions always reach the connector.
func (r *Runtime) InvokeAction(c echo.Context) error {
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid action payload")
	}

	spec, ok := r.findAction(req.Action)
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "error",
			"error":  fmt.Sprintf("unknown action %q", req.Action),
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), actionTimeout)
	defer cancel()

	var result any
	var err error
	if spec.Mode == "read" && r.cache != nil {
		err = r.cache.GetOrLoad(ctx, actionCacheKey(req), r.cfg.Redis.ActionCacheTTL, &result,
			func(ctx context.Context) (any, error) {
				return r.connector.Action(ctx, req)
			})
	} else {
		result, err = r.connector.Action(ctx, req)
	}

	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "success",
		"result": result,
	})
}

func (r *Runtime) findAction(name string) (ActionSpec, bool) {
	for _, a := range r.connector.Manifest().Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// actionCacheKey hashes the action and its params; credentials never enter
// the key.
func actionCacheKey(req ActionRequest) string {
	params, _ := json.Marshal(req.Params)
	sum := sha256.Sum256(append([]byte(req.Action+"\x00"), params...))
	return "action:" + req.Action + ":" + hex.EncodeToString(sum[:8])
}

// RegisterRoutes registers the runtime RPC surface
func (r *Runtime) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", r.Health)
	e.GET("/manifest", r.GetManifest)
	e.POST("/sync", r.StartSync)
	e.POST("/cancel", r.Cancel)
	e.POST("/action", r.InvokeAction)
}
