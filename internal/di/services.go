// Package di provides dependency injection for services.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/modules/charts"
	"github.com/barwatch/barwatch/internal/modules/tracking"
	"github.com/barwatch/barwatch/internal/orchestrator"
	"github.com/barwatch/barwatch/internal/providers"
	"github.com/barwatch/barwatch/internal/providers/alpaca"
	"github.com/barwatch/barwatch/internal/providers/polygon"
	"github.com/barwatch/barwatch/internal/providers/tradier"
	"github.com/barwatch/barwatch/internal/providers/yfinance"
	"github.com/barwatch/barwatch/internal/reliability"
)

// InitializeServices creates the service layer: the event bus, the provider
// routing stack, the ingestion pipeline, the HTTP-facing module services and
// the reliability services.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Bus = events.NewBus(log)
	container.Hub = events.NewHub(container.Bus, log)

	// Provider adapters. An adapter without its credentials would fail
	// every attempt with an auth error, which the router treats as
	// permanent, so unconfigured providers stay out of the order entirely.
	// YFinance needs no key and anchors the historical order.
	var intraday, historical []providers.Adapter

	if cfg.AlpacaAPIKey != "" && cfg.AlpacaAPISecret != "" {
		alpacaClient := alpaca.NewClient(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, container.Clock, log)
		intraday = append(intraday, alpacaClient)
		historical = append(historical, alpacaClient)
	}
	if cfg.TradierAPIKey != "" {
		intraday = append(intraday, tradier.NewClient(cfg.TradierAPIKey, log))
	}
	if cfg.PolygonAPIKey != "" {
		historical = append(historical, polygon.NewClient(cfg.PolygonAPIKey, container.Clock, log))
	}
	historical = append(historical, yfinance.NewClient(container.Clock, log))

	if len(intraday) == 0 {
		log.Warn().Msg("No intraday provider configured, fetch_intraday runs will fail until one is")
	}

	container.Router = providers.NewRouter(intraday, historical, container.Limiter, log)

	container.Worker = orchestrator.NewWorker(
		container.Queue,
		container.Bars,
		container.Coverage,
		container.Router,
		container.Checkpoints,
		container.Clock,
		container.Bus,
		cfg.MaxAttempts,
		log,
	)
	container.Orchestrator = orchestrator.New(
		container.Catalog,
		container.Queue,
		container.Coverage,
		container.Worker,
		container.Clock,
		container.Bus,
		cfg.MaxConcurrent,
		log,
	)

	container.Charts = charts.NewService(
		container.Bars,
		container.Coverage,
		container.Catalog,
		container.Queue,
		container.Cache,
		cfg.CacheTTLBars,
		container.Clock,
		log,
	)
	container.Tracking = tracking.NewService(container.TrackingRepo, container.Catalog, container.Bus, log)

	// Reliability stack. Offsite mirroring is optional; everything else is
	// always on.
	backupDir := filepath.Join(cfg.DataDir, "backups")
	container.Backups = reliability.NewBackupService(
		container.Databases(),
		backupDir,
		cfg.BackupRetentionDays,
		container.Clock,
		container.Bus,
		log,
	)

	if cfg.S3Backup != nil && cfg.S3Backup.Enabled {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.S3Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 backup client: %w", err)
		}
		container.Offsite = reliability.NewS3BackupService(
			s3Client,
			container.Backups,
			cfg.BackupRetentionDays,
			container.Clock,
			container.Bus,
			log,
		)
	}

	health := make(map[string]*reliability.HealthService, 3)
	for name, db := range container.Databases() {
		health[name] = reliability.NewHealthService(db, log)
	}
	container.Maintenance = reliability.NewMaintenanceService(
		container.Databases(),
		health,
		container.Backups,
		cfg.DataDir,
		container.Clock,
		log,
	)

	return nil
}
