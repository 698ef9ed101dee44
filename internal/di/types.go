// Package di provides dependency injection wiring and initialization.
//
// Wire() builds the whole object graph in four steps: databases,
// repositories, services, scheduled jobs. The resulting Container is the
// single source of truth for service instances; the HTTP server and
// cmd/server read everything from it.
package di

import (
	"github.com/barwatch/barwatch/internal/bars"
	"github.com/barwatch/barwatch/internal/cache"
	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/modules/charts"
	"github.com/barwatch/barwatch/internal/modules/tracking"
	"github.com/barwatch/barwatch/internal/orchestrator"
	"github.com/barwatch/barwatch/internal/providers"
	"github.com/barwatch/barwatch/internal/ratelimit"
	"github.com/barwatch/barwatch/internal/reliability"
	"github.com/barwatch/barwatch/internal/scheduler"
	"github.com/barwatch/barwatch/internal/symbols"
)

// Container holds all dependencies for the application.
//
// Three-database architecture, one concern per file:
//   - market.db: symbols, bars, coverage_status
//   - jobs.db: job_definitions, job_runs, rate_buckets,
//     provider_checkpoints, user_tracking
//   - cache.db: api_cache response cache
type Container struct {
	// Databases
	MarketDB *database.DB
	JobsDB   *database.DB
	CacheDB  *database.DB

	// Shared infrastructure
	Clock clock.Clock
	Bus   *events.Bus
	Hub   *events.Hub

	// Repositories and stores
	Symbols      *symbols.Repository
	Bars         *bars.Store
	Coverage     *coverage.Ledger
	Catalog      *jobs.Catalog
	Queue        *jobs.Queue
	Checkpoints  *jobs.Checkpoints
	Cache        *cache.Store
	Limiter      *ratelimit.Limiter
	TrackingRepo *tracking.Repository

	// Ingestion pipeline
	Router       *providers.Router
	Worker       *orchestrator.Worker
	Orchestrator *orchestrator.Orchestrator

	// Module services
	Charts   *charts.Service
	Tracking *tracking.Service

	// Reliability
	Backups     *reliability.BackupService
	Offsite     *reliability.S3BackupService // nil unless S3 backup is enabled
	Maintenance *reliability.MaintenanceService

	// Cron scheduler with all standing jobs registered. Started by
	// cmd/server, not by Wire, so tests can build a container without
	// background activity.
	Scheduler *scheduler.Scheduler
}

// Databases returns the open databases keyed by name. The map is rebuilt on
// every call so callers can range freely.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"market": c.MarketDB,
		"jobs":   c.JobsDB,
		"cache":  c.CacheDB,
	}
}

// Close closes all databases. Safe to call on a partially-built container;
// nil databases are skipped.
func (c *Container) Close() {
	for _, db := range c.Databases() {
		if db != nil {
			_ = db.Close()
		}
	}
}
