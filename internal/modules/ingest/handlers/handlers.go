// Package handlers provides HTTP handlers for ingestion control: manual
// orchestrator ticks, queue status and rate bucket status.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/orchestrator"
	"github.com/barwatch/barwatch/internal/ratelimit"
)

// Handler handles ingestion control HTTP requests
type Handler struct {
	orch    *orchestrator.Orchestrator
	queue   *jobs.Queue
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(
	orch *orchestrator.Orchestrator,
	queue *jobs.Queue,
	limiter *ratelimit.Limiter,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		orch:    orch,
		queue:   queue,
		limiter: limiter,
		log:     log.With().Str("handler", "ingest").Logger(),
	}
}

// HandleTick handles POST /orchestrator/tick. Overlapping ticks are
// dropped, not queued: a tick already in flight answers 200 with a skipped
// body, and repeating the call once it finishes is safe because enqueue
// dedup makes ticks idempotent at the minute cadence.
func (h *Handler) HandleTick(w http.ResponseWriter, r *http.Request) {
	summary, err := h.orch.Tick(r.Context(), domain.TriggerManual)
	if err != nil {
		if errors.Is(err, orchestrator.ErrTickInProgress) {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"skipped": true,
				"reason":  "tick_in_progress",
			})
			return
		}
		h.log.Error().Err(err).Msg("Manual tick failed")
		http.Error(w, "Tick failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// HandleJobsStatus handles GET /api/jobs/status
func (h *Handler) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	counts, err := h.queue.CountByStatus()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count job runs")
		http.Error(w, "Failed to get job status", http.StatusInternalServerError)
		return
	}

	recent, err := h.queue.RecentRuns(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list recent runs")
		http.Error(w, "Failed to get job status", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"counts": counts,
			"recent": recent,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleRateLimitStatus handles GET /api/ratelimit/status
func (h *Handler) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.limiter.StatusAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read rate bucket status")
		http.Error(w, "Failed to get rate limit status", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"buckets": buckets,
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
