package events

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/pkg/apperror"
)

// Handler serves the SDK event surface used by connector runtimes.
type Handler struct {
	events *Service
}

// NewHandler creates an events handler
func NewHandler(events *Service) *Handler {
	return &Handler{events: events}
}

type appendEventRequest struct {
	SyncRunID string `json:"sync_run_id"`
	SourceID  string `json:"source_id"`
	Event     Event  `json:"event"`
}

// AppendEvent handles POST /sdk/events
func (h *Handler) AppendEvent(c echo.Context) error {
	var req appendEventRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid event payload")
	}
	if req.SyncRunID == "" || req.SourceID == "" {
		return apperror.NewBadRequest("sync_run_id and source_id are required")
	}

	row, err := h.events.Append(c.Request().Context(), req.SyncRunID, req.SourceID, req.Event)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"event_id": row.ID})
}

// RegisterRoutes registers the SDK event routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/sdk/events", h.AppendEvent)
}
