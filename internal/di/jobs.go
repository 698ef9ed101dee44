// Package di provides dependency injection for scheduled jobs.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/config"
	"github.com/barwatch/barwatch/internal/scheduler"
)

type registration struct {
	schedule string
	job      scheduler.Job
}

// RegisterJobs builds the cron scheduler and registers every standing job.
// The scheduler is stored on the container but not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)

	registrations := []registration{
		{scheduler.ScheduleTick, scheduler.NewTickJob(container.Orchestrator, log)},
		{scheduler.ScheduleSweep, scheduler.NewSweepJob(container.Queue, cfg.StuckRunTimeout, log)},
		{scheduler.ScheduleCacheCleanup, scheduler.NewCacheCleanupJob(container.Cache, log)},
		{scheduler.ScheduleBackup, scheduler.NewBackupJob(container.Backups, log)},
		{scheduler.ScheduleMaintenance, scheduler.NewMaintenanceJob(container.Maintenance, log)},
	}
	if container.Offsite != nil {
		registrations = append(registrations,
			registration{scheduler.ScheduleS3Backup, scheduler.NewS3BackupJob(container.Offsite, log)})
	}

	for _, reg := range registrations {
		if err := sched.AddJob(reg.schedule, reg.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", reg.job.Name(), err)
		}
	}

	container.Scheduler = sched

	return nil
}
