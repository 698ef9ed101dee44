package reliability_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/reliability"
)

var now = time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)

// newFileDB opens a migrated on-disk database under dir. Backup and
// recovery need real files, not the in-memory databases the other
// packages test against.
func newFileDB(t *testing.T, dir, name string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeArchiveFixture(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("fixture"), 0644))
}

func TestBackupRunCreatesVerifiedArchive(t *testing.T) {
	dir := t.TempDir()
	marketDB := newFileDB(t, dir, "market")
	jobsDB := newFileDB(t, dir, "jobs")

	_, err := marketDB.Exec(
		`INSERT INTO symbols (ticker, asset_type, created_at, updated_at) VALUES ('AAPL', 'equity', 1, 1)`)
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	var published []*events.BackupCompletedData
	bus.Subscribe(events.BackupCompleted, func(e *events.Event) {
		published = append(published, e.Data.(*events.BackupCompletedData))
	})

	backupDir := filepath.Join(dir, "backups")
	svc := reliability.NewBackupService(map[string]*database.DB{
		"market": marketDB,
		"jobs":   jobsDB,
	}, backupDir, 7, clock.NewFixed(now), bus, zerolog.Nop())

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "barwatch-backup-2026-08-21-143000.tar.gz", result.ArchiveName)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, result.SHA256)
	assert.Greater(t, result.SizeBytes, int64(0))
	require.Len(t, result.Databases, 2)

	metadata := readArchiveMetadata(t, result.ArchivePath)
	require.Len(t, metadata.Databases, 2)
	names := []string{metadata.Databases[0].Name, metadata.Databases[1].Name}
	assert.ElementsMatch(t, []string{"jobs", "market"}, names)
	for _, dbMeta := range metadata.Databases {
		assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, dbMeta.Checksum)
		assert.Greater(t, dbMeta.SizeBytes, int64(0))
	}

	require.Len(t, published, 1)
	assert.Equal(t, result.ArchivePath, published[0].Path)
	assert.Equal(t, result.SHA256, published[0].SHA256)
	assert.False(t, published[0].Uploaded)

	// The staging directory is cleaned up after the run.
	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.ArchiveName, entries[0].Name())
}

func TestBackupSnapshotIsRestorable(t *testing.T) {
	dir := t.TempDir()
	marketDB := newFileDB(t, dir, "market")

	_, err := marketDB.Exec(
		`INSERT INTO symbols (ticker, asset_type, created_at, updated_at) VALUES ('MSFT', 'equity', 1, 1)`)
	require.NoError(t, err)

	svc := reliability.NewBackupService(map[string]*database.DB{"market": marketDB},
		filepath.Join(dir, "backups"), 7, clock.NewFixed(now), nil, zerolog.Nop())

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	restoredPath := filepath.Join(t.TempDir(), "restored.db")
	extractArchiveFile(t, result.ArchivePath, "market.db", restoredPath)

	restored, err := sql.Open("sqlite", restoredPath)
	require.NoError(t, err)
	defer restored.Close()

	var ticker string
	require.NoError(t, restored.QueryRow("SELECT ticker FROM symbols").Scan(&ticker))
	assert.Equal(t, "MSFT", ticker)
}

func TestListLocalSortsNewestFirstAndSkipsStrangers(t *testing.T) {
	backupDir := t.TempDir()
	writeArchiveFixture(t, backupDir, "barwatch-backup-2026-08-19-013000.tar.gz")
	writeArchiveFixture(t, backupDir, "barwatch-backup-2026-08-21-013000.tar.gz")
	writeArchiveFixture(t, backupDir, "barwatch-backup-2026-08-20-013000.tar.gz")
	writeArchiveFixture(t, backupDir, "notes.txt")
	writeArchiveFixture(t, backupDir, "barwatch-backup-garbage.tar.gz")

	svc := reliability.NewBackupService(nil, backupDir, 7, clock.NewFixed(now), nil, zerolog.Nop())

	backups, err := svc.ListLocal()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "barwatch-backup-2026-08-21-013000.tar.gz", backups[0].Filename)
	assert.Equal(t, "barwatch-backup-2026-08-20-013000.tar.gz", backups[1].Filename)
	assert.Equal(t, "barwatch-backup-2026-08-19-013000.tar.gz", backups[2].Filename)

	// 2026-08-21 01:30 UTC to the fixed clock at 14:30 is 13 hours.
	assert.Equal(t, int64(13), backups[0].AgeHours)
}

func TestListLocalMissingDirectoryIsEmpty(t *testing.T) {
	svc := reliability.NewBackupService(nil, filepath.Join(t.TempDir(), "nope"), 7,
		clock.NewFixed(now), nil, zerolog.Nop())

	backups, err := svc.ListLocal()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotateKeepsMinimumThenAppliesRetention(t *testing.T) {
	backupDir := t.TempDir()
	for _, name := range []string{
		"barwatch-backup-2026-01-01-010000.tar.gz",
		"barwatch-backup-2026-01-02-010000.tar.gz",
		"barwatch-backup-2026-01-03-010000.tar.gz",
		"barwatch-backup-2026-08-20-013000.tar.gz",
		"barwatch-backup-2026-08-21-013000.tar.gz",
	} {
		writeArchiveFixture(t, backupDir, name)
	}
	writeArchiveFixture(t, backupDir, "notes.txt")

	svc := reliability.NewBackupService(nil, backupDir, 7, clock.NewFixed(now), nil, zerolog.Nop())

	require.NoError(t, svc.Rotate())

	remaining, err := svc.ListLocal()
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, "barwatch-backup-2026-08-21-013000.tar.gz", remaining[0].Filename)
	assert.Equal(t, "barwatch-backup-2026-08-20-013000.tar.gz", remaining[1].Filename)
	// Third newest survives on the minimum-keep rule even though it is
	// far past retention.
	assert.Equal(t, "barwatch-backup-2026-01-03-010000.tar.gz", remaining[2].Filename)

	_, err = os.Stat(filepath.Join(backupDir, "notes.txt"))
	assert.NoError(t, err)
}

func TestRotateRetentionZeroKeepsEverything(t *testing.T) {
	backupDir := t.TempDir()
	for _, name := range []string{
		"barwatch-backup-2025-01-01-010000.tar.gz",
		"barwatch-backup-2025-01-02-010000.tar.gz",
		"barwatch-backup-2025-01-03-010000.tar.gz",
		"barwatch-backup-2025-01-04-010000.tar.gz",
		"barwatch-backup-2025-01-05-010000.tar.gz",
	} {
		writeArchiveFixture(t, backupDir, name)
	}

	svc := reliability.NewBackupService(nil, backupDir, 0, clock.NewFixed(now), nil, zerolog.Nop())

	require.NoError(t, svc.Rotate())

	remaining, err := svc.ListLocal()
	require.NoError(t, err)
	assert.Len(t, remaining, 5)
}

// readArchiveMetadata extracts and decodes backup-metadata.json from a
// tar.gz archive.
func readArchiveMetadata(t *testing.T, archivePath string) reliability.BackupMetadata {
	t.Helper()

	var metadata reliability.BackupMetadata
	found := false
	walkArchive(t, archivePath, func(header *tar.Header, r io.Reader) {
		if header.Name == "backup-metadata.json" {
			require.NoError(t, json.NewDecoder(r).Decode(&metadata))
			found = true
		}
	})
	require.True(t, found, "archive is missing backup-metadata.json")
	return metadata
}

// extractArchiveFile copies one named entry out of a tar.gz archive.
func extractArchiveFile(t *testing.T, archivePath, name, destPath string) {
	t.Helper()

	found := false
	walkArchive(t, archivePath, func(header *tar.Header, r io.Reader) {
		if header.Name != name {
			return
		}
		out, err := os.Create(destPath)
		require.NoError(t, err)
		defer out.Close()
		_, err = io.Copy(out, r)
		require.NoError(t, err)
		found = true
	})
	require.True(t, found, "archive is missing %s", name)
}

func walkArchive(t *testing.T, archivePath string, fn func(*tar.Header, io.Reader)) {
	t.Helper()

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		fn(header, tr)
	}
}
