// Package di provides dependency injection for repositories.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/bars"
	"github.com/barwatch/barwatch/internal/cache"
	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/modules/tracking"
	"github.com/barwatch/barwatch/internal/ratelimit"
	"github.com/barwatch/barwatch/internal/symbols"
)

// InitializeRepositories creates the data access layer on top of the open
// databases. Everything downstream shares the container's clock so tests
// can pin time.
func InitializeRepositories(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Clock = clock.New()

	// market.db
	container.Symbols = symbols.NewRepository(container.MarketDB, log)
	container.Bars = bars.NewStore(container.MarketDB, container.Symbols, container.Clock, log)
	container.Coverage = coverage.NewLedger(container.MarketDB, container.Clock, log)

	// jobs.db
	container.Catalog = jobs.NewCatalog(container.JobsDB, container.Clock, log)
	container.Queue = jobs.NewQueue(container.JobsDB, container.Clock, log)
	container.Checkpoints = jobs.NewCheckpoints(container.JobsDB, container.Clock, log)
	container.TrackingRepo = tracking.NewRepository(container.JobsDB, container.Clock, log)

	container.Limiter = ratelimit.NewLimiter(container.JobsDB, container.Clock, log)
	if err := container.Limiter.Seed(bucketOverrides(cfg)); err != nil {
		return fmt.Errorf("failed to seed rate buckets: %w", err)
	}

	// cache.db
	container.Cache = cache.NewStore(container.CacheDB, container.Clock, log)

	return nil
}

// bucketOverrides maps the *_MAX_RPM environment overrides onto seeded
// bucket names. Massive is the same upstream as Polygon, so an override for
// one applies to both rows.
func bucketOverrides(cfg *config.Config) map[string]float64 {
	overrides := make(map[string]float64)
	if cfg.FinnhubBucketRPM > 0 {
		overrides["finnhub"] = cfg.FinnhubBucketRPM
	}
	if cfg.MassiveBucketRPM > 0 {
		overrides["massive"] = cfg.MassiveBucketRPM
		overrides["polygon"] = cfg.MassiveBucketRPM
	}
	return overrides
}
