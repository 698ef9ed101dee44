// Package handlers provides HTTP handlers for user symbol tracking.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/modules/tracking"
)

// Handler handles tracking HTTP requests
type Handler struct {
	service *tracking.Service
	log     zerolog.Logger
}

// NewHandler creates a new tracking handler
func NewHandler(service *tracking.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "tracking").Logger(),
	}
}

// HandleSync handles POST /sync-user-symbols
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req tracking.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Sync(req)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Str("source", req.Source).Msg("Symbol sync failed")
		http.Error(w, "Failed to sync symbols", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleTracked handles GET /api/tracking
func (h *Handler) HandleTracked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Tracked()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list tracking entries")
		http.Error(w, "Failed to list tracking entries", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
