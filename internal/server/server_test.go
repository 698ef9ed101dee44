package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/di"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		Port:     8080,
		LogLevel: "info",

		AlpacaAPIKey:    "test-key",
		AlpacaAPISecret: "test-secret",

		MaxConcurrent:   2,
		MaxAttempts:     3,
		StuckRunTimeout: 10 * time.Minute,

		CacheTTLBars:        5 * time.Minute,
		BackupRetentionDays: 7,
	}
}

func newTestServer(t *testing.T, devMode bool) (*Server, *di.Container) {
	t.Helper()

	cfg := testConfig(t)
	cfg.DevMode = devMode

	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	srv := New(Config{Log: zerolog.Nop(), Config: cfg, Container: container})
	return srv, container
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"api health", http.MethodGet, "/api/health", "", http.StatusOK},
		{"api version", http.MethodGet, "/api/version", "", http.StatusOK},
		{"chart health", http.MethodGet, "/chart-health?symbol=AAPL", "", http.StatusOK},
		{"chart health under api", http.MethodGet, "/api/chart-health?symbol=AAPL", "", http.StatusOK},
		{"chart health requires symbol", http.MethodGet, "/chart-health", "", http.StatusBadRequest},
		{"tracked symbols", http.MethodGet, "/tracking", "", http.StatusOK},
		// Ticks run before any definitions exist so nothing dispatches.
		{"manual tick", http.MethodPost, "/orchestrator/tick", "", http.StatusOK},
		{"manual tick under api", http.MethodPost, "/api/orchestrator/tick", "", http.StatusOK},
		{"sync user symbols", http.MethodPost, "/sync-user-symbols",
			`{"symbols":["AAPL"],"source":"watchlist","timeframes":["d1"]}`, http.StatusOK},
		{"jobs status", http.MethodGet, "/api/jobs/status", "", http.StatusOK},
		{"jobs status at root", http.MethodGet, "/jobs/status", "", http.StatusOK},
		{"ratelimit status", http.MethodGet, "/api/ratelimit/status", "", http.StatusOK},
		{"system status", http.MethodGet, "/api/system/status", "", http.StatusOK},
		{"database stats", http.MethodGet, "/api/system/database-stats", "", http.StatusOK},
		{"disk usage", http.MethodGet, "/api/system/disk-usage", "", http.StatusOK},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
		{"tick rejects GET", http.MethodGet, "/orchestrator/tick", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHealthBody(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"service":"barwatch"`)
}

// A plain GET without upgrade headers proves the stream is mounted without
// needing a live websocket client.
func TestEventsStreamRequiresUpgrade(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doRequest(t, srv, http.MethodGet, "/api/events/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestCORSOnlyInDevMode(t *testing.T) {
	preflight := func(srv *Server) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		return rec
	}

	dev, _ := newTestServer(t, true)
	rec := preflight(dev)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	prod, _ := newTestServer(t, false)
	rec = preflight(prod)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
