// Package handlers provides HTTP handlers for chart reads and chart health.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/modules/charts"
)

// Handler handles chart HTTP requests
type Handler struct {
	service *charts.Service
	log     zerolog.Logger
}

// NewHandler creates a new charts handler
func NewHandler(service *charts.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "charts").Logger(),
	}
}

// HandleChartRead handles POST /chart-read
func (h *Handler) HandleChartRead(w http.ResponseWriter, r *http.Request) {
	var req charts.ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Read(req)
	if err != nil {
		if errors.Is(err, charts.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Chart read failed")
		http.Error(w, "Failed to read chart", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleChartHealth handles GET /chart-health?symbol=X
func (h *Handler) HandleChartHealth(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	resp, err := h.service.Health(symbol)
	if err != nil {
		if errors.Is(err, charts.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Chart health failed")
		http.Error(w, "Failed to read chart health", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
