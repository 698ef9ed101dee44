package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/bars"
	"github.com/barwatch/barwatch/internal/cache"
	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/orchestrator"
	"github.com/barwatch/barwatch/internal/providers"
	"github.com/barwatch/barwatch/internal/ratelimit"
	"github.com/barwatch/barwatch/internal/reliability"
	"github.com/barwatch/barwatch/internal/scheduler"
	"github.com/barwatch/barwatch/internal/symbols"
	testdb "github.com/barwatch/barwatch/internal/testing"
)

var now = time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)

type fetchFunc func(ctx context.Context, req providers.Request) ([]domain.Bar, error)

type fakeAdapter struct {
	name  domain.Provider
	fetch fetchFunc
}

func (f *fakeAdapter) Name() domain.Provider { return f.name }

func (f *fakeAdapter) FetchBars(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
	if f.fetch == nil {
		return nil, nil
	}
	return f.fetch(ctx, req)
}

func newOrchEnv(t *testing.T, adapter providers.Adapter) (*orchestrator.Orchestrator, *jobs.Catalog) {
	t.Helper()
	log := zerolog.Nop()
	clk := clock.NewFixed(now)

	marketDB, cleanupMarket := testdb.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	jobsDB, cleanupJobs := testdb.NewTestDB(t, "jobs")
	t.Cleanup(cleanupJobs)

	syms := symbols.NewRepository(marketDB, log)
	store := bars.NewStore(marketDB, syms, clk, log)
	ledger := coverage.NewLedger(marketDB, clk, log)
	catalog := jobs.NewCatalog(jobsDB, clk, log)
	queue := jobs.NewQueue(jobsDB, clk, log)
	limiter := ratelimit.NewLimiter(jobsDB, clk, log)
	require.NoError(t, limiter.Seed(nil))
	bus := events.NewBus(log)

	var adapters []providers.Adapter
	if adapter != nil {
		adapters = []providers.Adapter{adapter}
	}
	router := providers.NewRouter(adapters, adapters, limiter, log)
	worker := orchestrator.NewWorker(queue, store, ledger, router, nil, clk, bus, 5, log)
	return orchestrator.New(catalog, queue, ledger, worker, clk, bus, 5, log), catalog
}

func fileDB(t *testing.T, dir, name string) *database.DB {
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

func TestTickJobRunsQuietTick(t *testing.T) {
	orch, _ := newOrchEnv(t, nil)

	job := scheduler.NewTickJob(orch, zerolog.Nop())
	assert.Equal(t, "tick", job.Name())
	require.NoError(t, job.Run())
}

func TestTickJobSkipsWhileTickInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := &fakeAdapter{name: domain.ProviderAlpaca, fetch: func(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	}}
	orch, catalog := newOrchEnv(t, blocking)

	_, err := catalog.UpsertDefinition(domain.JobDefinition{
		Symbol:     "AAPL",
		Timeframe:  domain.TimeframeD1,
		Kind:       domain.KindFetchHistorical,
		WindowDays: 5,
		Priority:   100,
	})
	require.NoError(t, err)

	tickDone := make(chan error)
	go func() {
		_, err := orch.Tick(context.Background(), domain.TriggerManual)
		tickDone <- err
	}()
	<-entered

	// The overlapping cron tick is dropped, not an error and not queued.
	job := scheduler.NewTickJob(orch, zerolog.Nop())
	require.NoError(t, job.Run())

	close(release)
	require.NoError(t, <-tickDone)
}

func TestSweepJobFailsStuckRuns(t *testing.T) {
	log := zerolog.Nop()
	jobsDB, cleanup := testdb.NewTestDB(t, "jobs")
	t.Cleanup(cleanup)

	clk := clock.NewFixed(now)
	catalog := jobs.NewCatalog(jobsDB, clk, log)
	queue := jobs.NewQueue(jobsDB, clk, log)

	def, err := catalog.UpsertDefinition(domain.JobDefinition{
		Symbol:     "AAPL",
		Timeframe:  domain.TimeframeD1,
		Kind:       domain.KindFetchHistorical,
		WindowDays: 5,
		Priority:   100,
	})
	require.NoError(t, err)

	from := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	_, err = queue.EnqueueSlices(*def, []domain.Interval{{From: from, To: from.AddDate(0, 0, 1)}}, domain.TriggerCron)
	require.NoError(t, err)
	run, err := queue.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, run)

	// An hour later the run is well past the 10 minute timeout.
	lateQueue := jobs.NewQueue(jobsDB, clock.NewFixed(now.Add(time.Hour)), log)
	job := scheduler.NewSweepJob(lateQueue, 10*time.Minute, log)
	assert.Equal(t, "sweep_stuck", job.Name())
	require.NoError(t, job.Run())

	counts, err := queue.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.RunFailed])
	assert.Zero(t, counts[domain.RunRunning])
}

func TestCacheCleanupJobPurgesExpired(t *testing.T) {
	log := zerolog.Nop()
	cacheDB, cleanup := testdb.NewTestDB(t, "cache")
	t.Cleanup(cleanup)

	store := cache.NewStore(cacheDB, clock.NewFixed(now), log)
	require.NoError(t, store.Put("chart", "AAPL:d1", "payload", time.Minute))

	lateStore := cache.NewStore(cacheDB, clock.NewFixed(now.Add(2*time.Hour)), log)
	job := scheduler.NewCacheCleanupJob(lateStore, log)
	assert.Equal(t, "cache_cleanup", job.Name())
	require.NoError(t, job.Run())

	count, err := lateStore.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBackupJobCreatesArchive(t *testing.T) {
	dir := t.TempDir()
	marketDB := fileDB(t, dir, "market")

	backups := reliability.NewBackupService(map[string]*database.DB{"market": marketDB},
		filepath.Join(dir, "backups"), 7, clock.NewFixed(now), nil, zerolog.Nop())

	job := scheduler.NewBackupJob(backups, zerolog.Nop())
	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())

	archives, err := backups.ListLocal()
	require.NoError(t, err)
	require.Len(t, archives, 1)
}

func TestMaintenanceJobRuns(t *testing.T) {
	dir := t.TempDir()
	marketDB := fileDB(t, dir, "market")
	databases := map[string]*database.DB{"market": marketDB}

	clk := clock.NewFixed(now)
	backups := reliability.NewBackupService(databases, filepath.Join(dir, "backups"), 7, clk, nil, zerolog.Nop())
	_, err := backups.Run(context.Background())
	require.NoError(t, err)

	health := map[string]*reliability.HealthService{
		"market": reliability.NewHealthService(marketDB, zerolog.Nop()),
	}
	maintenance := reliability.NewMaintenanceService(databases, health, backups, dir, clk, zerolog.Nop())

	job := scheduler.NewMaintenanceJob(maintenance, zerolog.Nop())
	assert.Equal(t, "maintenance", job.Name())
	require.NoError(t, job.Run())
}
