package contentstore

import (
	"encoding/base64"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/pkg/apperror"
)

// Handler serves the SDK content surface used by connector runtimes.
type Handler struct {
	store *Service
}

// NewHandler creates a content store handler
func NewHandler(store *Service) *Handler {
	return &Handler{store: store}
}

type saveContentRequest struct {
	SyncRunID   string `json:"sync_run_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	// Base64 marks Content as base64-encoded binary
	Base64 bool `json:"base64,omitempty"`
}

// SaveContent handles POST /sdk/content
func (h *Handler) SaveContent(c echo.Context) error {
	var req saveContentRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid content payload")
	}
	if req.Content == "" {
		return apperror.NewBadRequest("content is required")
	}

	data := []byte(req.Content)
	if req.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return apperror.NewBadRequest("content is not valid base64")
		}
		data = decoded
	}

	contentID, err := h.store.Save(c.Request().Context(), data, req.ContentType)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"content_id": contentID})
}

// RegisterRoutes registers the SDK content routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/sdk/content", h.SaveContent)
}
