package search

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the embedding and search routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/embeddings", h.Embed)
	e.POST("/api/search", h.Search)
}
