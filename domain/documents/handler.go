package documents

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/domain/contentstore"
	"github.com/kbforge/kbforge/pkg/apperror"
)

// Handler serves the read-side document API.
type Handler struct {
	repo    *Repository
	content *contentstore.Service
}

// NewHandler creates a documents handler
func NewHandler(repo *Repository, content *contentstore.Service) *Handler {
	return &Handler{
		repo:    repo,
		content: content,
	}
}

// List handles GET /api/documents
func (h *Handler) List(c echo.Context) error {
	var params struct {
		SourceID string `query:"source_id"`
		Status   string `query:"embedding_status"`
		Limit    int    `query:"limit"`
		Offset   int    `query:"offset"`
	}
	if err := c.Bind(&params); err != nil {
		return apperror.NewBadRequest("invalid query parameters")
	}

	docs, err := h.repo.List(c.Request().Context(), ListParams{
		SourceID:        params.SourceID,
		EmbeddingStatus: EmbeddingStatus(params.Status),
		Limit:           params.Limit,
		Offset:          params.Offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetByID handles GET /api/documents/:id
func (h *Handler) GetByID(c echo.Context) error {
	doc, err := h.repo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// GetContent handles GET /api/documents/:id/content
func (h *Handler) GetContent(c echo.Context) error {
	doc, err := h.repo.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if doc.ContentID == "" {
		return apperror.NewNotFound("content for document", doc.ID)
	}

	data, contentType, err := h.content.Get(c.Request().Context(), doc.ContentID)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}
