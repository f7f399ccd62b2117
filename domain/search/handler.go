package search

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kbforge/kbforge/pkg/apperror"
)

// maxEmbedTexts bounds one interactive embedding request.
const maxEmbedTexts = 100

// Handler handles embedding and search HTTP requests
type Handler struct {
	svc *Service
}

// NewHandler creates a new search handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Embed handles POST /embeddings
func (h *Handler) Embed(c echo.Context) error {
	var req EmbedRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	if len(req.Texts) == 0 {
		return apperror.NewBadRequest("texts is required")
	}
	if len(req.Texts) > maxEmbedTexts {
		return apperror.NewBadRequest("too many texts in one request")
	}
	for _, text := range req.Texts {
		if text == "" {
			return apperror.NewBadRequest("texts must not contain empty strings")
		}
	}

	resp, err := h.svc.Embed(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Search handles POST /api/search
func (h *Handler) Search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.Query == "" {
		return apperror.NewBadRequest("query is required")
	}

	resp, err := h.svc.Search(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
