package jobs_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/jobs"
	testdb "github.com/barwatch/barwatch/internal/testing"
)

var now = time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)

func newQueueEnv(t *testing.T) (*jobs.Queue, *jobs.Catalog, *database.DB) {
	t.Helper()

	db, cleanup := testdb.NewTestDB(t, "jobs")
	t.Cleanup(cleanup)

	clk := clock.NewFixed(now)
	log := zerolog.Nop()
	return jobs.NewQueue(db, clk, log), jobs.NewCatalog(db, clk, log), db
}

func upsertDef(t *testing.T, catalog *jobs.Catalog, symbol string, tf domain.Timeframe, kind domain.JobKind) domain.JobDefinition {
	t.Helper()

	def, err := catalog.UpsertDefinition(domain.JobDefinition{
		Symbol:     symbol,
		Timeframe:  tf,
		Kind:       kind,
		WindowDays: 30,
		Priority:   100,
	})
	require.NoError(t, err)
	require.NotNil(t, def)
	return *def
}

func daySlice(daysAgo int) domain.Interval {
	from := now.AddDate(0, 0, -daysAgo).Truncate(24 * time.Hour)
	return domain.Interval{From: from, To: from.Add(24 * time.Hour)}
}

func TestEnqueueSlicesIsIdempotent(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	slices := []domain.Interval{daySlice(2), daySlice(1)}

	inserted, err := queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	counts, err := queue.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, map[domain.RunStatus]int{domain.RunQueued: 2}, counts)
}

func TestEnqueueSlicesDedupCoversRunningAndSuccess(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	slices := []domain.Interval{daySlice(1)}

	inserted, err := queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)

	// Running run blocks the same slice.
	inserted, err = queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	require.NoError(t, queue.Complete(run.ID, domain.RunFailed, 0, domain.ProviderAlpaca, "transient", "connection reset"))

	// A failed run does not: the slice may be retried via a fresh run.
	inserted, err = queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	run, err = queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)
	require.NoError(t, queue.Complete(run.ID, domain.RunSuccess, 10, domain.ProviderAlpaca, "", ""))

	// A successful run blocks the slice for good.
	inserted, err = queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestClaimNextOldestFirst(t *testing.T) {
	queue, catalog, db := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	inserted, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(2)}, domain.TriggerCron)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	// A second enqueuer a minute later.
	later := jobs.NewQueue(db, clock.NewFixed(now.Add(time.Minute)), zerolog.Nop())
	inserted, err = later.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	first, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, daySlice(2).From, first.SliceFrom)
	assert.Equal(t, domain.RunRunning, first.Status)
	require.NotNil(t, first.StartedAt)

	second, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, daySlice(1).From, second.SliceFrom)
	assert.Equal(t, domain.TriggerManual, second.TriggeredBy)
}

func TestClaimNextFiltersByKind(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	historical := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)
	intraday := upsertDef(t, catalog, "AAPL", domain.TimeframeM15, domain.KindFetchIntraday)

	_, err := queue.EnqueueSlices(historical, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)
	_, err = queue.EnqueueSlices(intraday, []domain.Interval{daySlice(0)}, domain.TriggerCron)
	require.NoError(t, err)

	run, err := queue.ClaimNext(domain.KindFetchIntraday)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.KindFetchIntraday, run.Kind)

	run, err = queue.ClaimNext(domain.KindFetchIntraday)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	queue, _, _ := newQueueEnv(t)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, run)

	counts, err := queue.CountByStatus()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestClaimNextConcurrentAtMostOnce(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	slices := []domain.Interval{daySlice(5), daySlice(4), daySlice(3), daySlice(2), daySlice(1)}
	inserted, err := queue.EnqueueSlices(def, slices, domain.TriggerCron)
	require.NoError(t, err)
	require.Equal(t, len(slices), inserted)

	// More claimers than queued runs; the surplus must come back empty.
	const claimers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := queue.ClaimNext()
			assert.NoError(t, err)
			if run == nil {
				return
			}
			mu.Lock()
			claimed[run.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, len(slices))
	for id, n := range claimed {
		assert.Equal(t, 1, n, "run %s claimed more than once", id)
	}

	counts, err := queue.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, map[domain.RunStatus]int{domain.RunRunning: len(slices)}, counts)
}

func TestCompleteRecordsOutcome(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)

	require.NoError(t, queue.Complete(run.ID, domain.RunSuccess, 42, domain.ProviderPolygon, "", ""))

	got, err := queue.Get(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunSuccess, got.Status)
	assert.Equal(t, 42, got.RowsWritten)
	assert.Equal(t, domain.ProviderPolygon, got.Provider)
	require.NotNil(t, got.FinishedAt)
}

func TestCompleteGuards(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)

	// Non-terminal statuses are rejected outright.
	assert.Error(t, queue.Complete(run.ID, domain.RunQueued, 0, "", "", ""))

	require.NoError(t, queue.Complete(run.ID, domain.RunSuccess, 1, domain.ProviderAlpaca, "", ""))

	// Completing twice fails: the run is no longer running.
	assert.Error(t, queue.Complete(run.ID, domain.RunFailed, 0, "", "transient", "late"))
}

func TestRequeueIncrementsAttempt(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, 1, run.Attempt)

	require.NoError(t, queue.Requeue(run.ID, "provider rate limited"))

	got, err := queue.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Nil(t, got.StartedAt)

	reclaimed, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, run.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempt)
}

func TestCancel(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	runs, err := queue.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, queue.Cancel(runs[0].ID))

	cancelled, err := queue.IsCancelled(runs[0].ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, run)

	// Terminal runs cannot be cancelled again.
	assert.Error(t, queue.Cancel(runs[0].ID))
}

func TestSweepStuckOnlyPastTimeout(t *testing.T) {
	queue, catalog, db := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(2), daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	// First run claimed at t0, second at t0+8m.
	stuck, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, stuck)

	lateQueue := jobs.NewQueue(db, clock.NewFixed(now.Add(8*time.Minute)), zerolog.Nop())
	fresh, err := lateQueue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// Sweeping at t0+12m with a 10m timeout fails only the first.
	sweeper := jobs.NewQueue(db, clock.NewFixed(now.Add(12*time.Minute)), zerolog.Nop())
	swept, err := sweeper.SweepStuck(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := queue.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "stuck", got.ErrorCode)

	got, err = queue.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, got.Status)
}

func TestRecoverOrphans(t *testing.T) {
	queue, catalog, _ := newQueueEnv(t)
	def := upsertDef(t, catalog, "AAPL", domain.TimeframeD1, domain.KindFetchHistorical)

	_, err := queue.EnqueueSlices(def, []domain.Interval{daySlice(1)}, domain.TriggerCron)
	require.NoError(t, err)

	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)

	recovered, err := queue.RecoverOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := queue.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Nil(t, got.StartedAt)

	recovered, err = queue.RecoverOrphans()
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestGetUnknownRunReturnsNil(t *testing.T) {
	queue, _, _ := newQueueEnv(t)

	run, err := queue.Get("no-such-run")
	require.NoError(t, err)
	assert.Nil(t, run)
}
