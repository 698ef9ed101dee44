package reliability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/events"
)

// S3BackupService mirrors local backup archives to an S3-compatible bucket
// and applies the same min-3 retention policy remotely.
type S3BackupService struct {
	store         ObjectStore
	backups       *BackupService
	retentionDays int
	clk           clock.Clock
	bus           *events.Bus
	log           zerolog.Logger
}

// NewS3BackupService creates an offsite backup service. The bus may be nil.
func NewS3BackupService(
	store ObjectStore,
	backups *BackupService,
	retentionDays int,
	clk clock.Clock,
	bus *events.Bus,
	log zerolog.Logger,
) *S3BackupService {
	return &S3BackupService{
		store:         store,
		backups:       backups,
		retentionDays: retentionDays,
		clk:           clk,
		bus:           bus,
		log:           log.With().Str("service", "s3_backup").Logger(),
	}
}

// CreateAndUpload runs a fresh local backup and ships the archive to the
// bucket. Used by the manual backup endpoint.
func (s *S3BackupService) CreateAndUpload(ctx context.Context) error {
	if _, err := s.backups.Run(ctx); err != nil {
		return err
	}
	return s.UploadLatest(ctx)
}

// UploadLatest ships the newest local archive to the bucket and rotates
// remote archives afterwards.
func (s *S3BackupService) UploadLatest(ctx context.Context) error {
	local, err := s.backups.ListLocal()
	if err != nil {
		return fmt.Errorf("failed to list local backups: %w", err)
	}
	if len(local) == 0 {
		return fmt.Errorf("no local backup archive to upload")
	}
	newest := local[0]

	s.log.Info().Str("archive", newest.Filename).Msg("Starting offsite upload")
	start := time.Now()

	archivePath := filepath.Join(s.backups.Dir(), newest.Filename)
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, newest.Filename, archiveFile, newest.SizeBytes); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	checksum, err := checksumFile(archivePath)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to checksum uploaded archive")
	}

	duration := time.Since(start)
	if s.bus != nil {
		s.bus.Publish(&events.BackupCompletedData{
			Path:       archivePath,
			SizeBytes:  newest.SizeBytes,
			SHA256:     checksum,
			Uploaded:   true,
			DurationMS: float64(duration.Milliseconds()),
		})
	}

	s.log.Info().
		Str("archive", newest.Filename).
		Int64("size_bytes", newest.SizeBytes).
		Dur("duration_ms", duration).
		Msg("Offsite upload completed")

	if err := s.RotateRemote(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Remote backup rotation failed")
	}
	return nil
}

// ListRemote returns bucket archives sorted newest first. Objects that do
// not match the archive naming scheme are skipped.
func (s *S3BackupService) ListRemote(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := s.clk.NowUTC()
	for _, obj := range objects {
		ts, ok := parseArchiveTimestamp(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unrecognized name")
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateRemote deletes bucket archives older than the retention window,
// always keeping the newest minBackupsToKeep. A retention of zero keeps
// everything.
func (s *S3BackupService) RotateRemote(ctx context.Context) error {
	backups, err := s.ListRemote(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep || s.retentionDays <= 0 {
		return nil
	}

	cutoff := s.clk.NowUTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old remote backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old remote backup")
		deleted++
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Remote backup rotation completed")
	}
	return nil
}
