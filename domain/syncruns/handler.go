package syncruns

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/pkg/apperror"
)

// Handler serves the SDK sync lifecycle surface, the admin listings, and
// the trigger endpoint that hands new runs to the connector runtime.
type Handler struct {
	svc      *Service
	launcher *Launcher
}

// NewHandler creates a sync runs handler
func NewHandler(svc *Service, launcher *Launcher) *Handler {
	return &Handler{svc: svc, launcher: launcher}
}

type triggerRequest struct {
	SyncMode string `json:"sync_mode"`
}

// TriggerSync handles POST /api/sources/:id/sync. It mints the run (409
// when one is already running for the source) and tells the runtime to
// start working it.
func (h *Handler) TriggerSync(c echo.Context) error {
	// The body is optional; an empty POST means an incremental sync
	var req triggerRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return apperror.NewBadRequest("invalid sync request")
		}
	}

	run, err := h.launcher.Trigger(c.Request().Context(), c.Param("id"), req.SyncMode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

// RequestCancel handles POST /api/sync-runs/:id/cancel, forwarding the
// request to the runtime. The run stays running until the connector
// acknowledges through /sdk/sync/:id/cancelled.
func (h *Handler) RequestCancel(c echo.Context) error {
	if err := h.launcher.RequestCancel(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// List handles GET /api/sync-runs
func (h *Handler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.svc.List(c.Request().Context(), c.QueryParam("source_id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// GetByID handles GET /api/sync-runs/:id
func (h *Handler) GetByID(c echo.Context) error {
	run, err := h.svc.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// Heartbeat handles POST /sdk/sync/:id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	if err := h.svc.Heartbeat(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Scanned handles POST /sdk/sync/:id/scanned
func (h *Handler) Scanned(c echo.Context) error {
	if err := h.svc.IncrementScanned(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Complete handles POST /sdk/sync/:id/complete
func (h *Handler) Complete(c echo.Context) error {
	var p CompleteParams
	if err := c.Bind(&p); err != nil {
		return apperror.NewBadRequest("invalid completion payload")
	}
	if err := h.svc.Complete(c.Request().Context(), c.Param("id"), p); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type failRequest struct {
	Error string `json:"error"`
}

// Fail handles POST /sdk/sync/:id/fail
func (h *Handler) Fail(c echo.Context) error {
	var p failRequest
	if err := c.Bind(&p); err != nil {
		return apperror.NewBadRequest("invalid failure payload")
	}
	if err := h.svc.Fail(c.Request().Context(), c.Param("id"), p.Error); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Cancelled handles POST /sdk/sync/:id/cancelled, the runtime's report
// that a cancellation request took effect.
func (h *Handler) Cancelled(c echo.Context) error {
	if err := h.svc.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterRoutes registers sync run routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/api/sync-runs", h.List)
	e.GET("/api/sync-runs/:id", h.GetByID)
	e.POST("/api/sync-runs/:id/cancel", h.RequestCancel)
	e.POST("/api/sources/:id/sync", h.TriggerSync)

	g := e.Group("/sdk/sync/:id")
	g.POST("/heartbeat", h.Heartbeat)
	g.POST("/scanned", h.Scanned)
	g.POST("/complete", h.Complete)
	g.POST("/fail", h.Fail)
	g.POST("/cancelled", h.Cancelled)
}
