// Package di provides dependency injection for database connections.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/database"
)

// InitializeDatabases opens the three databases and applies their schemas.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// market.db - symbols, bars, coverage_status. The bar table takes the
	// bulk of the write volume; the standard profile keeps WAL mode with
	// NORMAL synchronous.
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize market database: %w", err)
	}
	container.MarketDB = marketDB

	// jobs.db - job catalog, run queue, rate buckets, checkpoints, user
	// tracking. Claim correctness depends on this file, so it stays on the
	// standard profile rather than the cache one.
	jobsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "jobs.db"),
		Profile: database.ProfileStandard,
		Name:    "jobs",
	})
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize jobs database: %w", err)
	}
	container.JobsDB = jobsDB

	// cache.db - ephemeral api_cache rows. Losing it costs refetches, never
	// correctness.
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	for name, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", name, err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")

	return container, nil
}
