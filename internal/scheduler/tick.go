package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/orchestrator"
)

// TickJob drives the ingestion loop. The orchestrator holds its own tick
// lock, so an overlap with a manual or chart-read tick is skipped quietly
// rather than queued.
type TickJob struct {
	orch *orchestrator.Orchestrator
	log  zerolog.Logger
}

// NewTickJob creates the cron tick job.
func NewTickJob(orch *orchestrator.Orchestrator, log zerolog.Logger) *TickJob {
	return &TickJob{
		orch: orch,
		log:  log.With().Str("job", "tick").Logger(),
	}
}

// Name returns the job name.
func (j *TickJob) Name() string {
	return "tick"
}

// Run executes one orchestrator tick.
func (j *TickJob) Run() error {
	summary, err := j.orch.Tick(context.Background(), domain.TriggerCron)
	if err != nil {
		if errors.Is(err, orchestrator.ErrTickInProgress) {
			j.log.Debug().Msg("Tick already in progress, skipping")
			return nil
		}
		return err
	}

	j.log.Debug().
		Int("defs_scanned", summary.DefsScanned).
		Int("slices_enqueued", summary.SlicesEnqueued).
		Int("workers_dispatched", summary.WorkersDispatched).
		Msg("Tick completed")
	return nil
}
