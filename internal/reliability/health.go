package reliability

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/database"
)

// HealthService watches one database for corruption and rebuilds it when
// the damage cannot be checkpointed away. Every barwatch database can be
// regenerated: bars refetch from providers, definitions re-sync from the
// watchlist and the cache is disposable, so an empty rebuild beats serving
// a corrupt file.
type HealthService struct {
	db  *database.DB
	log zerolog.Logger
}

// NewHealthService creates a health service for a single database.
func NewHealthService(db *database.DB, log zerolog.Logger) *HealthService {
	return &HealthService{
		db:  db,
		log: log.With().Str("service", "db_health").Str("database", db.Name()).Logger(),
	}
}

// CheckAndRecover verifies integrity and, when the check fails, tries a WAL
// checkpoint followed by a quarantine-and-rebuild.
func (s *HealthService) CheckAndRecover(ctx context.Context) error {
	s.log.Debug().Msg("Starting health check")

	if err := s.db.HealthCheck(ctx); err == nil {
		s.log.Debug().Msg("Health check passed")
		return nil
	} else {
		s.log.Error().Err(err).Msg("Integrity check failed")
	}

	// A truncate checkpoint clears torn WAL frames, the most common cause
	// of a failed check after a crash.
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
	if err := s.db.HealthCheck(ctx); err == nil {
		s.log.Info().Msg("Database recovered via WAL checkpoint")
		return nil
	}

	return s.quarantineAndRebuild()
}

// quarantineAndRebuild sets the corrupted file aside for investigation and
// recreates the database empty from its registered schema.
func (s *HealthService) quarantineAndRebuild() error {
	path := s.db.Path()
	s.log.Warn().Str("path", path).Msg("Quarantining corrupted database")

	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Close before quarantine failed")
	}

	quarantinePath := path + ".corrupted." + time.Now().UTC().Format("20060102-150405")
	if err := os.Rename(path, quarantinePath); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	// Side files are stale once the main file moves.
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")

	if err := s.db.Reopen(); err != nil {
		return fmt.Errorf("failed to rebuild %s: %w", s.db.Name(), err)
	}
	if err := s.db.Migrate(); err != nil {
		return fmt.Errorf("failed to apply schema to rebuilt %s: %w", s.db.Name(), err)
	}

	s.log.Warn().
		Str("quarantined", quarantinePath).
		Msg("Database rebuilt empty after corruption")
	return nil
}
