package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers tracking routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sync-user-symbols", h.HandleSync)
	r.Get("/tracking", h.HandleTracked)
}
