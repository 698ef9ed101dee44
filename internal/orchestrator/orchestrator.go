package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/jobs"
)

// DefaultMaxConcurrent bounds the worker pool dispatched per tick.
const DefaultMaxConcurrent = 5

// ErrTickInProgress is returned when a tick is requested while another tick
// still holds the tick lock. Overlapping ticks are dropped, never queued.
var ErrTickInProgress = errors.New("tick already in progress")

// TickSummary reports what one tick did.
type TickSummary struct {
	DefsScanned       int `json:"defs_scanned"`
	SlicesEnqueued    int `json:"slices_enqueued"`
	WorkersDispatched int `json:"workers_dispatched"`
}

// Orchestrator runs the per-tick coordinator loop.
type Orchestrator struct {
	catalog *jobs.Catalog
	queue   *jobs.Queue
	ledger  *coverage.Ledger
	worker  *Worker
	clk     clock.Clock
	bus     *events.Bus

	maxConcurrent int
	tickMu        sync.Mutex
	log           zerolog.Logger
}

// New creates an orchestrator. maxConcurrent <= 0 falls back to
// DefaultMaxConcurrent.
func New(catalog *jobs.Catalog, queue *jobs.Queue, ledger *coverage.Ledger, worker *Worker, clk clock.Clock, bus *events.Bus, maxConcurrent int, log zerolog.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{
		catalog:       catalog,
		queue:         queue,
		ledger:        ledger,
		worker:        worker,
		clk:           clk,
		bus:           bus,
		maxConcurrent: maxConcurrent,
		log:           log.With().Str("component", "orchestrator").Logger(),
	}
}

// Recover resets runs abandoned in running state by a previous process.
// Called once at startup before the scheduler begins ticking.
func (o *Orchestrator) Recover() error {
	count, err := o.queue.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}
	if count > 0 {
		o.log.Info().Int("count", count).Msg("Reset orphaned running runs to queued")
	}
	return nil
}

// Tick performs one coordinator pass: scan enabled definitions in priority
// order, enqueue slices for their coverage gaps, then dispatch up to
// maxConcurrent workers that each claim and execute one run. Returns
// ErrTickInProgress when another tick holds the lock.
func (o *Orchestrator) Tick(ctx context.Context, triggeredBy domain.TriggerSource) (*TickSummary, error) {
	if !o.tickMu.TryLock() {
		o.log.Debug().Msg("Tick dropped, previous tick still running")
		return nil, ErrTickInProgress
	}
	defer o.tickMu.Unlock()

	start := time.Now()

	defs, err := o.catalog.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled definitions: %w", err)
	}

	summary := &TickSummary{DefsScanned: len(defs)}

	// Definitions arrive priority desc, created asc; enqueue in that order
	// so high-priority symbols land in the queue first.
	for _, def := range defs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		inserted, err := o.enqueueDefinition(def, triggeredBy)
		if err != nil {
			// One bad definition must not starve the rest of the scan.
			o.log.Error().
				Err(err).
				Str("symbol", def.Symbol).
				Str("timeframe", string(def.Timeframe)).
				Msg("Failed to enqueue definition")
			continue
		}
		summary.SlicesEnqueued += inserted
	}

	summary.WorkersDispatched = o.dispatch(ctx)

	elapsed := time.Since(start)
	o.bus.Publish(&events.TickCompletedData{
		DefsScanned:       summary.DefsScanned,
		SlicesEnqueued:    summary.SlicesEnqueued,
		WorkersDispatched: summary.WorkersDispatched,
		DurationMS:        float64(elapsed.Microseconds()) / 1000.0,
	})

	o.log.Info().
		Int("defs_scanned", summary.DefsScanned).
		Int("slices_enqueued", summary.SlicesEnqueued).
		Int("workers_dispatched", summary.WorkersDispatched).
		Dur("elapsed", elapsed).
		Str("triggered_by", string(triggeredBy)).
		Msg("Tick completed")

	return summary, nil
}

// enqueueDefinition computes the definition's gaps, slices them, and
// enqueues the slices. Returns how many runs were newly inserted.
func (o *Orchestrator) enqueueDefinition(def domain.JobDefinition, triggeredBy domain.TriggerSource) (int, error) {
	end := o.clk.AlignSliceEnd(o.clk.NowUTC(), def.Timeframe)

	gaps, err := o.ledger.Gaps(def.Symbol, def.Timeframe, def.WindowDays)
	if err != nil {
		return 0, fmt.Errorf("failed to compute gaps: %w", err)
	}

	slices := SliceGaps(gaps, def.Timeframe, end)
	if len(slices) == 0 {
		return 0, nil
	}

	return o.queue.EnqueueSlices(def, slices, triggeredBy)
}

// dispatch launches up to maxConcurrent workers. Each attempts exactly one
// claim; workers that find the queue empty return immediately. Returns the
// number of workers that claimed a run. Blocks until all workers finish so
// the tick lock also serializes execution.
func (o *Orchestrator) dispatch(ctx context.Context) int {
	var dispatched int64
	var wg sync.WaitGroup

	for i := 0; i < o.maxConcurrent; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error().
						Int("worker", n).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(debug.Stack())).
						Msg("Recovered from panic in worker")
				}
			}()

			run, err := o.queue.ClaimNext()
			if err != nil {
				o.log.Warn().Err(err).Int("worker", n).Msg("Claim failed")
				return
			}
			if run == nil {
				return
			}

			atomic.AddInt64(&dispatched, 1)
			if err := o.worker.Execute(ctx, run); err != nil {
				o.log.Error().
					Err(err).
					Int("worker", n).
					Str("run_id", run.ID).
					Msg("Worker execution failed")
			}
		}(i)
	}

	wg.Wait()
	return int(dispatched)
}
