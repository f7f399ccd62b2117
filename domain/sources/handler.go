package sources

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/pkg/apperror"
)

// Handler serves source administration and the runtime sync-config lookup.
type Handler struct {
	repo *Repository
}

// NewHandler creates a sources handler
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Create handles POST /api/sources
func (h *Handler) Create(c echo.Context) error {
	var p CreateParams
	if err := c.Bind(&p); err != nil {
		return apperror.NewBadRequest("invalid source payload")
	}

	src, err := h.repo.Create(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, src)
}

// List handles GET /api/sources
func (h *Handler) List(c echo.Context) error {
	srcs, err := h.repo.List(c.Request().Context(), c.QueryParam("type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, srcs)
}

// GetByID handles GET /api/sources/:id
func (h *Handler) GetByID(c echo.Context) error {
	src, err := h.repo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, src)
}

// Update handles PATCH /api/sources/:id
func (h *Handler) Update(c echo.Context) error {
	var p UpdateParams
	if err := c.Bind(&p); err != nil {
		return apperror.NewBadRequest("invalid source payload")
	}

	src, err := h.repo.Update(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, src)
}

// Delete handles DELETE /api/sources/:id
func (h *Handler) Delete(c echo.Context) error {
	if err := h.repo.SoftDelete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SyncConfig handles GET /sdk/source/:id/sync-config, the runtime's
// pre-sync fetch of config, credentials, and prior state.
func (h *Handler) SyncConfig(c echo.Context) error {
	cfg, err := h.repo.SyncConfig(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

type saveStateRequest struct {
	State map[string]any `json:"state"`
}

// SaveState handles POST /sdk/source/:id/state, the connector's periodic
// state checkpoint. Watermarks in the stored state never move backward.
func (h *Handler) SaveState(c echo.Context) error {
	var p saveStateRequest
	if err := c.Bind(&p); err != nil {
		return apperror.NewBadRequest("invalid state payload")
	}
	if err := h.repo.SaveState(c.Request().Context(), c.Param("id"), p.State); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterRoutes registers source routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/sources")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)

	e.GET("/sdk/source/:id/sync-config", h.SyncConfig)
	e.POST("/sdk/source/:id/state", h.SaveState)
}
