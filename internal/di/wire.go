// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Open and migrate databases
//  2. Initialize repositories
//  3. Initialize services
//  4. Register scheduled jobs
//  5. Recover runs orphaned by the previous process
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeRepositories(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	// A crash mid-fetch leaves runs stuck in running. Requeue them before
	// the first tick so their slices are retried rather than swept.
	if err := container.Orchestrator.Recover(); err != nil {
		container.Close()
		return nil, err
	}

	log.Info().Msg("Dependency injection wiring completed")

	return container, nil
}
