package scheduler_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/scheduler"
)

type recordingJob struct {
	name string
	runs chan struct{}
	err  error
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Run() error {
	select {
	case j.runs <- struct{}{}:
	default:
	}
	return j.err
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &recordingJob{name: "probe", runs: make(chan struct{}, 1)}

	require.NoError(t, s.AddJob("@every 50ms", job))
	s.Start()
	defer s.Stop()

	select {
	case <-job.runs:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSchedulerKeepsScheduleAfterJobFailure(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &recordingJob{name: "flaky", runs: make(chan struct{}, 2), err: errors.New("boom")}

	require.NoError(t, s.AddJob("@every 50ms", job))
	s.Start()
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-job.runs:
		case <-time.After(3 * time.Second):
			t.Fatalf("job did not reach run %d", i+1)
		}
	}
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	job := &recordingJob{name: "probe", runs: make(chan struct{}, 1)}

	err := s.AddJob("not a schedule", job)
	require.Error(t, err)
}

func TestRunNowReturnsJobError(t *testing.T) {
	s := scheduler.New(zerolog.Nop())

	ok := &recordingJob{name: "ok", runs: make(chan struct{}, 1)}
	require.NoError(t, s.RunNow(ok))
	assert.Len(t, ok.runs, 1)

	bad := &recordingJob{name: "bad", runs: make(chan struct{}, 1), err: errors.New("boom")}
	assert.Error(t, s.RunNow(bad))
}
