package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// NewGetToolHandler returns an http.HandlerFunc for GET /api/v1/tools/{slug}.
// Clients use this to show a tool's steps and credit cost before submitting.
func NewGetToolHandler(cat *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")

		tool, err := cat.ResolveTool(r.Context(), slug)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrToolNotFound):
				response.Error(w, http.StatusNotFound, "TOOL_NOT_FOUND", "No such tool", nil)
			case errors.Is(err, catalog.ErrToolInactive):
				response.Error(w, http.StatusGone, "TOOL_INACTIVE",
					"This tool is no longer available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, toolView{Tool: tool, TotalCost: cat.TotalCost(tool)})
	}
}

type toolView struct {
	*models.Tool
	TotalCost int64 `json:"total_cost"`
}
