// Package server provides the HTTP server and routing for barwatch.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/reliability"
)

// SystemHandlers handles system-wide monitoring and operations endpoints.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	databases   map[string]*database.DB
	queue       *jobs.Queue
	backups     *reliability.BackupService
	offsite     *reliability.S3BackupService // nil when offsite backups are disabled
}

// NewSystemHandlers creates a new system handlers instance. offsite may be
// nil; the backup trigger then only produces the local archive.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	databases map[string]*database.DB,
	queue *jobs.Queue,
	backups *reliability.BackupService,
	offsite *reliability.S3BackupService,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		databases:   databases,
		queue:       queue,
		backups:     backups,
		offsite:     offsite,
	}
}

// SystemStatusResponse is the body of GET /api/system/status.
type SystemStatusResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	CPUPercent    float64      `json:"cpu_percent"`
	RAMPercent    float64      `json:"ram_percent"`
	QueueDepth    int          `json:"queue_depth"`
	RunningJobs   int          `json:"running_jobs"`
	Databases     []DBSizeInfo `json:"databases"`
	TotalSizeMB   float64      `json:"total_size_mb"`
	Timestamp     string       `json:"timestamp"`
}

// DBSizeInfo is one database's size line in the system status.
type DBSizeInfo struct {
	Name      string  `json:"name"`
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
}

// DatabaseStatsResponse is the body of GET /api/system/database-stats.
type DatabaseStatsResponse struct {
	Databases   []DatabaseStatsEntry `json:"databases"`
	TotalSizeMB float64              `json:"total_size_mb"`
	LastChecked string               `json:"last_checked"`
}

// DatabaseStatsEntry carries the page-level statistics of one database.
type DatabaseStatsEntry struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	PageSize      int64   `json:"page_size"`
	FreelistCount int64   `json:"freelist_count"`
}

// DiskUsageResponse is the body of GET /api/system/disk-usage. BackupsMB is
// a subset of DataDirMB since archives live under the data directory.
type DiskUsageResponse struct {
	DataDirMB   float64 `json:"data_dir_mb"`
	DatabasesMB float64 `json:"databases_mb"`
	BackupsMB   float64 `json:"backups_mb"`
}

// BackupTriggerResponse is the body of POST /api/jobs/backup.
type BackupTriggerResponse struct {
	Status    string `json:"status"`
	Archive   string `json:"archive"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	Uploaded  bool   `json:"uploaded"`
}

// HandleSystemStatus returns process and queue health in one view.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	counts, err := h.queue.CountByStatus()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to count job runs")
		http.Error(w, "Failed to get system status", http.StatusInternalServerError)
		return
	}

	sizes, totalMB := h.databaseSizes()

	response := SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		QueueDepth:    counts[domain.RunQueued],
		RunningJobs:   counts[domain.RunRunning],
		Databases:     sizes,
		TotalSizeMB:   totalMB,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleDatabaseStats returns per-database page statistics.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	entries := make([]DatabaseStatsEntry, 0, len(h.databases))
	totalMB := 0.0

	for _, name := range h.databaseNames() {
		db := h.databases[name]
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}

		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		totalMB += sizeMB
		entries = append(entries, DatabaseStatsEntry{
			Name:          name,
			Path:          db.Path(),
			SizeMB:        sizeMB,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			PageSize:      stats.PageSize,
			FreelistCount: stats.FreelistCount,
		})
	}

	h.writeJSON(w, http.StatusOK, DatabaseStatsResponse{
		Databases:   entries,
		TotalSizeMB: totalMB,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleDiskUsage returns directory sizes under the data dir.
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	_, databasesMB := h.databaseSizes()

	h.writeJSON(w, http.StatusOK, DiskUsageResponse{
		DataDirMB:   h.getDirSize(h.dataDir),
		DatabasesMB: databasesMB,
		BackupsMB:   h.getDirSize(h.backups.Dir()),
	})
}

// HandleTriggerBackup runs a backup immediately. With offsite mirroring
// configured the archive is also uploaded; an upload failure still answers
// success because the local archive exists, it just reports uploaded=false.
func (h *SystemHandlers) HandleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Manual backup triggered")

	result, err := h.backups.Run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		http.Error(w, "Backup failed", http.StatusInternalServerError)
		return
	}

	uploaded := false
	if h.offsite != nil {
		if err := h.offsite.UploadLatest(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("Offsite upload failed, local archive kept")
		} else {
			uploaded = true
		}
	}

	h.writeJSON(w, http.StatusOK, BackupTriggerResponse{
		Status:    "success",
		Archive:   result.ArchiveName,
		SizeBytes: result.SizeBytes,
		SHA256:    result.SHA256,
		Uploaded:  uploaded,
	})
}

func (h *SystemHandlers) databaseNames() []string {
	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *SystemHandlers) databaseSizes() ([]DBSizeInfo, float64) {
	sizes := make([]DBSizeInfo, 0, len(h.databases))
	totalMB := 0.0

	for _, name := range h.databaseNames() {
		stats, err := h.databases[name].GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		totalMB += sizeMB
		sizes = append(sizes, DBSizeInfo{
			Name:      name,
			SizeMB:    sizeMB,
			WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
		})
	}

	return sizes, totalMB
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats calculates CPU and RAM usage percentages. The CPU sample
// uses a 100ms interval so status polling stays fast.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
