// Package main is the entry point for the barwatch market data service.
// It keeps OHLC bars fresh for every watched symbol by running scheduled
// ingestion ticks against the configured market data providers and serves
// the chart read API over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/di"
	"github.com/barwatch/barwatch/internal/server"
	"github.com/barwatch/barwatch/internal/version"
	"github.com/barwatch/barwatch/pkg/logger"
)

func main() {
	// Load configuration first to get the log level.
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible.
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Pretty console output in dev mode, JSON in production.
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("version", version.Version).Msg("Starting barwatch")

	// Wire all dependencies: databases, repositories, services, scheduled
	// jobs. Orphaned runs from a previous crash are requeued here too.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
	})

	// Start server in a goroutine so the scheduler can start alongside it.
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started")

	// The scheduler drives the ingestion tick, the stuck-run sweep, cache
	// cleanup, backups and maintenance. Wire registers the jobs but leaves
	// starting to us.
	container.Scheduler.Start()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop the scheduler first so no new ticks dispatch work while the
	// server drains. Stop waits for running jobs to finish.
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
