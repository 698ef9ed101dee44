package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/bars"
	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/providers"
)

// DefaultMaxAttempts bounds retries for a single run across ticks.
const DefaultMaxAttempts = 5

// Worker executes one claimed run at a time: route to a provider, fetch the
// slice, upsert the bars, advance coverage, and write the terminal state.
type Worker struct {
	queue       *jobs.Queue
	store       *bars.Store
	ledger      *coverage.Ledger
	router      *providers.Router
	checkpoints *jobs.Checkpoints
	clk         clock.Clock
	bus         *events.Bus
	maxAttempts int
	log         zerolog.Logger
}

// NewWorker creates a worker. checkpoints may be nil to skip advisory
// resume pointers; maxAttempts <= 0 falls back to DefaultMaxAttempts.
func NewWorker(queue *jobs.Queue, store *bars.Store, ledger *coverage.Ledger, router *providers.Router, checkpoints *jobs.Checkpoints, clk clock.Clock, bus *events.Bus, maxAttempts int, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		queue:       queue,
		store:       store,
		ledger:      ledger,
		router:      router,
		checkpoints: checkpoints,
		clk:         clk,
		bus:         bus,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "worker").Logger(),
	}
}

// Execute drives a claimed run to a terminal state. The run must be in
// running status (freshly claimed). Fetch errors are absorbed into the
// run's terminal state; the returned error reports infrastructure failures
// only (queue or store writes).
func (w *Worker) Execute(ctx context.Context, run *domain.JobRun) error {
	log := w.log.With().
		Str("run_id", run.ID).
		Str("symbol", run.Symbol).
		Str("timeframe", string(run.Timeframe)).
		Str("kind", string(run.Kind)).
		Logger()

	w.bus.Publish(&events.RunStartedData{
		RunID:     run.ID,
		Symbol:    run.Symbol,
		Timeframe: string(run.Timeframe),
		Kind:      string(run.Kind),
		Attempt:   run.Attempt,
	})

	req := providers.Request{
		Symbol:    run.Symbol,
		Timeframe: run.Timeframe,
		From:      run.SliceFrom,
		To:        run.SliceTo,
	}

	rows, provider, err := w.router.Fetch(ctx, run.Kind, req)
	if err != nil {
		return w.finishFetchError(ctx, run, provider, err, log)
	}

	// Batch boundary: an administrative cancel between claim and write
	// stops the run without touching the store.
	cancelled, err := w.queue.IsCancelled(run.ID)
	if err != nil {
		return fmt.Errorf("failed to check cancellation for run %s: %w", run.ID, err)
	}
	if cancelled {
		log.Info().Msg("Run cancelled, discarding fetched batch")
		return nil
	}

	result, err := w.store.UpsertBars(rows)
	if err != nil {
		// A store failure is retryable infrastructure trouble, not a
		// provider verdict.
		if requeueErr := w.requeueOrFail(run, provider, &providers.TransientError{Provider: string(provider), Msg: err.Error()}); requeueErr != nil {
			return requeueErr
		}
		return fmt.Errorf("failed to upsert bars for run %s: %w", run.ID, err)
	}

	var note string
	if n := len(result.Rejected); n > 0 {
		note = fmt.Sprintf("dropped %d structurally invalid rows", n)
		log.Warn().Int("rejected", n).Msg("Dropped invalid rows from provider batch")
	}

	if err := w.queue.Complete(run.ID, domain.RunSuccess, result.Written, provider, "", note); err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}

	if result.Written > 0 {
		if err := w.ledger.RecordSuccess(run.Symbol, run.Timeframe, run.SliceFrom, run.SliceTo, result.Written, provider); err != nil {
			return fmt.Errorf("failed to record coverage for run %s: %w", run.ID, err)
		}
		w.bus.Publish(&events.CoverageAdvancedData{
			Symbol:    run.Symbol,
			Timeframe: string(run.Timeframe),
			FromTS:    run.SliceFrom,
			ToTS:      run.SliceTo,
		})

		// Advisory resume pointer, never load-bearing.
		if w.checkpoints != nil {
			if err := w.checkpoints.Record(provider, run.Symbol, run.Timeframe, newestTS(rows)); err != nil {
				log.Warn().Err(err).Msg("Failed to record provider checkpoint")
			}
		}
	}

	w.bus.Publish(&events.RunCompletedData{
		RunID:       run.ID,
		Symbol:      run.Symbol,
		Timeframe:   string(run.Timeframe),
		Kind:        string(run.Kind),
		Status:      string(domain.RunSuccess),
		RowsWritten: result.Written,
		Provider:    string(provider),
	})

	log.Info().
		Int("rows_written", result.Written).
		Str("provider", string(provider)).
		Msg("Run succeeded")

	return nil
}

// finishFetchError maps a routing failure onto the run's terminal state.
func (w *Worker) finishFetchError(ctx context.Context, run *domain.JobRun, provider domain.Provider, err error, log zerolog.Logger) error {
	// A cancelled context means shutdown, not a provider verdict. Leave
	// the run in running; startup orphan recovery or the stuck sweep
	// returns it to the queue.
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return err
	}

	// An empty provider window is a normal outcome: the slice is done,
	// coverage stays untouched.
	if providers.IsNotFound(err) {
		if cerr := w.queue.Complete(run.ID, domain.RunSuccess, 0, provider, "", ""); cerr != nil {
			return fmt.Errorf("failed to complete run %s: %w", run.ID, cerr)
		}
		w.bus.Publish(&events.RunCompletedData{
			RunID:     run.ID,
			Symbol:    run.Symbol,
			Timeframe: string(run.Timeframe),
			Kind:      string(run.Kind),
			Status:    string(domain.RunSuccess),
			Provider:  string(provider),
		})
		log.Info().Str("provider", string(provider)).Msg("Provider has no data for slice")
		return nil
	}

	if providers.Retryable(err) {
		return w.requeueOrFail(run, provider, err)
	}

	// Auth, bad request, permanent: terminal failure, no retry.
	if cerr := w.queue.Complete(run.ID, domain.RunFailed, 0, provider, providers.ErrorCode(err), err.Error()); cerr != nil {
		return fmt.Errorf("failed to fail run %s: %w", run.ID, cerr)
	}
	w.publishFailed(run, provider, err)
	log.Error().Err(err).Str("provider", string(provider)).Msg("Run failed permanently")
	return nil
}

// requeueOrFail requeues a retryable run while attempts remain, otherwise
// marks it failed. The next tick's dispatch is the retry backoff.
func (w *Worker) requeueOrFail(run *domain.JobRun, provider domain.Provider, err error) error {
	if run.Attempt < w.maxAttempts {
		if rerr := w.queue.Requeue(run.ID, err.Error()); rerr != nil {
			return fmt.Errorf("failed to requeue run %s: %w", run.ID, rerr)
		}
		w.log.Debug().
			Str("run_id", run.ID).
			Int("attempt", run.Attempt).
			Err(err).
			Msg("Requeued run for next tick")
		return nil
	}

	if cerr := w.queue.Complete(run.ID, domain.RunFailed, 0, provider, providers.ErrorCode(err), err.Error()); cerr != nil {
		return fmt.Errorf("failed to fail run %s: %w", run.ID, cerr)
	}
	w.publishFailed(run, provider, err)
	w.log.Warn().
		Str("run_id", run.ID).
		Int("attempt", run.Attempt).
		Err(err).
		Msg("Run failed after exhausting attempts")
	return nil
}

func newestTS(rows []domain.Bar) time.Time {
	var newest time.Time
	for _, b := range rows {
		if b.TS.After(newest) {
			newest = b.TS
		}
	}
	return newest
}

func (w *Worker) publishFailed(run *domain.JobRun, provider domain.Provider, err error) {
	w.bus.Publish(&events.RunCompletedData{
		RunID:     run.ID,
		Symbol:    run.Symbol,
		Timeframe: string(run.Timeframe),
		Kind:      string(run.Kind),
		Status:    string(domain.RunFailed),
		Provider:  string(provider),
		ErrorCode: providers.ErrorCode(err),
	})
}
