package documents

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers document routes with the Echo router
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/documents")
	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/content", h.GetContent)
}
