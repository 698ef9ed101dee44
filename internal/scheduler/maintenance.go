package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/reliability"
)

// MaintenanceJob runs the nightly database maintenance pass.
type MaintenanceJob struct {
	maintenance *reliability.MaintenanceService
	log         zerolog.Logger
}

// NewMaintenanceJob creates the maintenance job.
func NewMaintenanceJob(maintenance *reliability.MaintenanceService, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		maintenance: maintenance,
		log:         log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name.
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes one maintenance pass.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	return j.maintenance.Run(ctx)
}
