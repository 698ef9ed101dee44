// Package server provides the HTTP server and routing for barwatch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/di"
	chartshandlers "github.com/barwatch/barwatch/internal/modules/charts/handlers"
	ingesthandlers "github.com/barwatch/barwatch/internal/modules/ingest/handlers"
	trackinghandlers "github.com/barwatch/barwatch/internal/modules/tracking/handlers"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container
}

// Server represents the HTTP server. The original wire contracts
// (chart-read, chart-health, sync-user-symbols, orchestrator/tick) are
// mounted at the root; the same handlers are mounted again under /api
// together with the system and ops endpoints.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
	}

	s.systemHandlers = NewSystemHandlers(
		cfg.Log,
		cfg.Config.DataDir,
		cfg.Container.Databases(),
		cfg.Container.Queue,
		cfg.Container.Backups,
		cfg.Container.Offsite,
	)

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	if devMode {
		// Permissive CORS for the GUI dev server. Production traffic is
		// same-origin and gets no CORS headers at all.
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	} else {
		// Compress responses
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	chartsHandler := chartshandlers.NewHandler(s.container.Charts, s.log)
	trackingHandler := trackinghandlers.NewHandler(s.container.Tracking, s.log)
	ingestHandler := ingesthandlers.NewHandler(
		s.container.Orchestrator,
		s.container.Queue,
		s.container.Limiter,
		s.log,
	)

	// The event stream holds its connection open for as long as the client
	// stays, so it lives outside the request-timeout group.
	s.router.Get("/api/events/ws", s.container.Hub.ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Health check (kept at the root for probes)
		r.Get("/health", s.handleHealth)

		// Original wire contracts at the root
		chartsHandler.RegisterRoutes(r)
		trackingHandler.RegisterRoutes(r)
		ingestHandler.RegisterRoutes(r)

		// API routes
		r.Route("/api", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/version", s.handleVersion)

			// System monitoring
			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.systemHandlers.HandleSystemStatus)
				r.Get("/database-stats", s.systemHandlers.HandleDatabaseStats)
				r.Get("/disk-usage", s.systemHandlers.HandleDiskUsage)
			})

			// Manual backup trigger
			r.Post("/jobs/backup", s.systemHandlers.HandleTriggerBackup)

			// Module routes again under /api
			chartsHandler.RegisterRoutes(r)
			trackingHandler.RegisterRoutes(r)
			ingestHandler.RegisterRoutes(r)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
