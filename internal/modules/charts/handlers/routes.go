package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers chart routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chart-read", h.HandleChartRead)
	r.Get("/chart-health", h.HandleChartHealth)
}
