package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers ingestion control routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/orchestrator/tick", h.HandleTick)
	r.Get("/jobs/status", h.HandleJobsStatus)
	r.Get("/ratelimit/status", h.HandleRateLimitStatus)
}
