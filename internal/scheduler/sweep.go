package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/jobs"
)

// SweepJob fails runs that have sat in running state past the timeout.
// A worker that died mid-fetch never reports completion; once the sweep
// fails its run, the next tick sees the coverage gap and enqueues a fresh
// slice for it.
type SweepJob struct {
	queue   *jobs.Queue
	timeout time.Duration
	log     zerolog.Logger
}

// NewSweepJob creates the stuck-run sweep job.
func NewSweepJob(queue *jobs.Queue, timeout time.Duration, log zerolog.Logger) *SweepJob {
	return &SweepJob{
		queue:   queue,
		timeout: timeout,
		log:     log.With().Str("job", "sweep_stuck").Logger(),
	}
}

// Name returns the job name.
func (j *SweepJob) Name() string {
	return "sweep_stuck"
}

// Run fails runs stuck past the timeout.
func (j *SweepJob) Run() error {
	swept, err := j.queue.SweepStuck(j.timeout)
	if err != nil {
		return err
	}
	if swept > 0 {
		j.log.Warn().Int("swept", swept).Msg("Failed stuck runs")
	}
	return nil
}
