package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
)

// Disk space thresholds for the data volume, in GB. SQLite fails
// ungracefully on a full disk, so the critical threshold halts maintenance
// with an error the caller is expected to escalate.
const (
	diskCriticalGB = 0.5
	diskErrorGB    = 5.0
	diskWarnGB     = 10.0
)

// MaintenanceService keeps the SQLite files healthy between backups:
// integrity checks with recovery, WAL checkpoints, a disk space guard,
// backup freshness verification and a weekly VACUUM.
type MaintenanceService struct {
	databases map[string]*database.DB
	health    map[string]*HealthService
	backups   *BackupService
	dataDir   string
	clk       clock.Clock
	log       zerolog.Logger
}

// NewMaintenanceService creates a maintenance service over the registered
// databases. The health map is keyed like databases.
func NewMaintenanceService(
	databases map[string]*database.DB,
	health map[string]*HealthService,
	backups *BackupService,
	dataDir string,
	clk clock.Clock,
	log zerolog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		health:    health,
		backups:   backups,
		dataDir:   dataDir,
		clk:       clk,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass. It returns an error only when the
// system should stop ingesting: critical disk shortage or a database that
// could not be recovered.
func (s *MaintenanceService) Run(ctx context.Context) error {
	s.log.Info().Msg("Starting maintenance")
	start := time.Now()

	for name, health := range s.health {
		if err := health.CheckAndRecover(ctx); err != nil {
			return fmt.Errorf("failed to recover %s: %w", name, err)
		}
	}

	for name, db := range s.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint failed")
		}
	}

	if err := s.checkDiskSpace(); err != nil {
		return err
	}

	s.verifyLatestBackup()

	if s.clk.NowUTC().Weekday() == time.Sunday {
		s.vacuumDatabases()
	}

	s.log.Info().Dur("duration_ms", time.Since(start)).Msg("Maintenance completed")
	return nil
}

// checkDiskSpace verifies sufficient space is available on the data volume.
func (s *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	s.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < diskCriticalGB {
		return fmt.Errorf("CRITICAL: only %.2f GB free on data volume", availableGB)
	}
	if availableGB < diskErrorGB {
		s.log.Error().Float64("available_gb", availableGB).Msg("Low disk space")
	} else if availableGB < diskWarnGB {
		s.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}

// verifyLatestBackup warns when the newest local archive is missing or
// older than two days.
func (s *MaintenanceService) verifyLatestBackup() {
	backups, err := s.backups.ListLocal()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list local backups")
		return
	}
	if len(backups) == 0 {
		s.log.Warn().Msg("No local backup archives found")
		return
	}
	if age := s.clk.NowUTC().Sub(backups[0].Timestamp); age > 48*time.Hour {
		s.log.Warn().
			Str("archive", backups[0].Filename).
			Float64("age_hours", age.Hours()).
			Msg("Newest backup archive is stale")
	}
}

// vacuumDatabases reclaims space in the churn-heavy databases. Bars are
// append-mostly, so market.db skips the full rewrite.
func (s *MaintenanceService) vacuumDatabases() {
	for name, db := range s.databases {
		if name == "market" {
			continue
		}

		s.log.Info().Str("database", name).Msg("Running VACUUM")

		before, _ := db.GetStats()
		if err := db.Vacuum(); err != nil {
			s.log.Error().Str("database", name).Err(err).Msg("VACUUM failed")
			continue
		}
		after, _ := db.GetStats()

		if before != nil && after != nil {
			s.log.Info().
				Str("database", name).
				Float64("size_before_mb", float64(before.SizeBytes)/1024/1024).
				Float64("size_after_mb", float64(after.SizeBytes)/1024/1024).
				Msg("VACUUM completed")
		}
	}
}
