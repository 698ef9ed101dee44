// Package reliability provides database snapshot backups, offsite archival
// to S3-compatible storage, corruption recovery and scheduled maintenance.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/version"
)

const (
	archivePrefix     = "barwatch-backup-"
	archiveSuffix     = ".tar.gz"
	archiveTimeLayout = "2006-01-02-150405"
	metadataFilename  = "backup-metadata.json"

	// Rotation always keeps this many archives regardless of age.
	minBackupsToKeep = 3
)

// BackupService creates local snapshot archives of the registered databases.
//
// A run snapshots each database with VACUUM INTO (atomic and WAL-safe),
// verifies every snapshot with PRAGMA integrity_check, bundles the snapshots
// plus a metadata manifest into a tar.gz archive under backupDir, and then
// rotates old archives.
type BackupService struct {
	databases     map[string]*database.DB
	backupDir     string
	retentionDays int
	clk           clock.Clock
	bus           *events.Bus
	log           zerolog.Logger
}

// BackupMetadata is the manifest written alongside the database snapshots
// inside each archive.
type BackupMetadata struct {
	Timestamp  time.Time          `json:"timestamp"`
	AppVersion string             `json:"app_version"`
	Databases  []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database snapshot in the archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupResult describes a completed backup run.
type BackupResult struct {
	ArchiveName string             `json:"archive_name"`
	ArchivePath string             `json:"archive_path"`
	SizeBytes   int64              `json:"size_bytes"`
	SHA256      string             `json:"sha256"`
	Databases   []DatabaseMetadata `json:"databases"`
}

// BackupInfo describes an archive found locally or in the offsite bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewBackupService creates a backup service. The bus may be nil; completed
// backups are then not announced.
func NewBackupService(
	databases map[string]*database.DB,
	backupDir string,
	retentionDays int,
	clk clock.Clock,
	bus *events.Bus,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		databases:     databases,
		backupDir:     backupDir,
		retentionDays: retentionDays,
		clk:           clk,
		bus:           bus,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// Dir returns the directory archives are written to.
func (s *BackupService) Dir() string {
	return s.backupDir
}

// Run performs one full backup and returns a description of the archive.
func (s *BackupService) Run(ctx context.Context) (*BackupResult, error) {
	s.log.Info().Msg("Starting local backup")
	start := time.Now()

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	stagingDir, err := os.MkdirTemp(s.backupDir, "staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	metadata := BackupMetadata{
		Timestamp:  s.clk.NowUTC(),
		AppVersion: version.Version,
		Databases:  make([]DatabaseMetadata, 0, len(names)),
	}

	archiveFiles := make([]string, 0, len(names)+1)
	for _, name := range names {
		filename := name + ".db"
		snapPath := filepath.Join(stagingDir, filename)

		s.log.Debug().Str("database", name).Msg("Snapshotting database")

		if err := s.snapshot(ctx, s.databases[name], snapPath); err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := checksumFile(snapPath)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		archiveFiles = append(archiveFiles, filename)
	}

	if err := writeMetadata(filepath.Join(stagingDir, metadataFilename), metadata); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	archiveFiles = append(archiveFiles, metadataFilename)

	archiveName := archivePrefix + s.clk.NowUTC().Format(archiveTimeLayout) + archiveSuffix
	archivePath := filepath.Join(s.backupDir, archiveName)

	if err := createArchive(archivePath, stagingDir, archiveFiles); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	archiveSum, err := checksumFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum archive: %w", err)
	}

	if err := s.Rotate(); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	duration := time.Since(start)
	if s.bus != nil {
		s.bus.Publish(&events.BackupCompletedData{
			Path:       archivePath,
			SizeBytes:  archiveInfo.Size(),
			SHA256:     archiveSum,
			Uploaded:   false,
			DurationMS: float64(duration.Milliseconds()),
		})
	}

	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Dur("duration_ms", duration).
		Msg("Local backup completed")

	return &BackupResult{
		ArchiveName: archiveName,
		ArchivePath: archivePath,
		SizeBytes:   archiveInfo.Size(),
		SHA256:      archiveSum,
		Databases:   metadata.Databases,
	}, nil
}

// ListLocal returns local archives sorted newest first. Files that do not
// match the archive naming scheme are ignored.
func (s *BackupService) ListLocal() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	now := s.clk.NowUTC()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseArchiveTimestamp(entry.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes local archives older than the retention window, always
// keeping the newest minBackupsToKeep regardless of age. A retention of
// zero keeps everything.
func (s *BackupService) Rotate() error {
	backups, err := s.ListLocal()
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
		if err := os.Remove(filepath.Join(s.backupDir, backup.Filename)); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old backup")
		deleted++
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Backup rotation completed")
	}
	return nil
}

// snapshot writes an atomic point-in-time copy of db to destPath and
// verifies the copy before it is archived.
func (s *BackupService) snapshot(ctx context.Context, db *database.DB, destPath string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("vacuum into failed: %w", err)
	}
	return verifySnapshot(destPath)
}

// verifySnapshot opens a snapshot file and runs an integrity check on it.
func verifySnapshot(path string) error {
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// parseArchiveTimestamp extracts the creation time encoded in an archive
// filename like barwatch-backup-2026-08-21-013000.tar.gz.
func parseArchiveTimestamp(filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, archivePrefix) || !strings.HasSuffix(filename, archiveSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(filename, archivePrefix), archiveSuffix)
	ts, err := time.Parse(archiveTimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// checksumFile calculates the SHA256 checksum of a file.
func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes the backup manifest to a JSON file.
func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive bundles the named files from sourceDir into a tar.gz archive.
func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

// addFileToArchive adds a single file to a tar archive.
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}
