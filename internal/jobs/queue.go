package jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
)

// Queue handles database operations for job runs.
// Database: jobs.db (job_runs table)
//
// The run lifecycle is queued → running → success | failed | cancelled.
// Only the claim transition (queued → running) races between workers; it is
// a single conditional UPDATE, which SQLite's single-writer model makes
// atomic, so at most one worker ever observes a given run as claimed.
type Queue struct {
	db   *database.DB // jobs.db
	clk  clock.Clock
	lock *KeyLock
	log  zerolog.Logger
}

// NewQueue creates a new run queue.
// db parameter should be jobs.db connection
func NewQueue(db *database.DB, clk clock.Clock, log zerolog.Logger) *Queue {
	return &Queue{
		db:   db,
		clk:  clk,
		lock: NewKeyLock(64),
		log:  log.With().Str("component", "job_queue").Logger(),
	}
}

const selectRunColumns = `
	id, job_def_id, symbol, timeframe, kind, slice_from, slice_to,
	status, attempt, rows_written, provider, error_code, error_message,
	triggered_by, idx_hash, created_at, started_at, finished_at`

// EnqueueSlices inserts one queued run per slice, skipping any slice whose
// idempotency hash already has a run in {queued, running, success}.
// Enqueuers for the same (symbol, timeframe) key serialize on a keyed lock
// so concurrent callers observe each other's inserts. Returns the number of
// runs actually created.
func (q *Queue) EnqueueSlices(def domain.JobDefinition, slices []domain.Interval, triggeredBy domain.TriggerSource) (int, error) {
	if len(slices) == 0 {
		return 0, nil
	}

	unlock := q.lock.Lock(def.Symbol + "|" + string(def.Timeframe))
	defer unlock()

	now := q.clk.NowUTC().Unix()
	inserted := 0

	err := database.WithTransaction(q.db.Conn(), func(tx *sql.Tx) error {
		for _, slice := range slices {
			hash := domain.IdempotencyHash(def.Symbol, def.Timeframe, slice.From, slice.To)

			var dupes int
			err := tx.QueryRow(`
				SELECT COUNT(*) FROM job_runs
				WHERE idx_hash = ? AND status IN ('queued', 'running', 'success')
			`, hash).Scan(&dupes)
			if err != nil {
				return fmt.Errorf("failed to check for duplicate run: %w", err)
			}
			if dupes > 0 {
				continue
			}

			_, err = tx.Exec(`
				INSERT INTO job_runs (id, job_def_id, symbol, timeframe, kind,
					slice_from, slice_to, status, attempt, triggered_by, idx_hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 1, ?, ?, ?)
			`, uuid.New().String(), def.ID, def.Symbol, string(def.Timeframe), string(def.Kind),
				slice.From.UTC().Unix(), slice.To.UTC().Unix(), string(triggeredBy), hash, now)
			if err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if inserted > 0 {
		q.log.Debug().
			Str("symbol", def.Symbol).
			Str("timeframe", string(def.Timeframe)).
			Str("kind", string(def.Kind)).
			Int("inserted", inserted).
			Int("requested", len(slices)).
			Msg("Enqueued slices")
	}

	return inserted, nil
}

// ClaimNext atomically claims the oldest queued run, optionally filtered to
// the given kinds, transitioning it to running. Returns nil when the queue
// is empty.
func (q *Queue) ClaimNext(kinds ...domain.JobKind) (*domain.JobRun, error) {
	filter := ""
	args := []interface{}{q.clk.NowUTC().Unix()}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		filter = " AND kind IN (" + strings.Join(placeholders, ", ") + ")"
	}

	row := q.db.QueryRow(`
		UPDATE job_runs
		SET status = 'running', started_at = ?
		WHERE id = (
			SELECT id FROM job_runs
			WHERE status = 'queued'`+filter+`
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING `+selectRunColumns, args...)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next run: %w", err)
	}

	q.log.Debug().
		Str("run_id", run.ID).
		Str("symbol", run.Symbol).
		Str("timeframe", string(run.Timeframe)).
		Int("attempt", run.Attempt).
		Msg("Claimed run")

	return run, nil
}

// Complete records the terminal state of a running run. status must be
// success or failed; cancellation goes through Cancel.
func (q *Queue) Complete(runID string, status domain.RunStatus, rowsWritten int, provider domain.Provider, errCode, errMsg string) error {
	if status != domain.RunSuccess && status != domain.RunFailed {
		return fmt.Errorf("complete requires a terminal status, got %q", status)
	}

	result, err := q.db.Exec(`
		UPDATE job_runs
		SET status = ?, rows_written = ?, provider = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), rowsWritten, string(provider), errCode, errMsg,
		q.clk.NowUTC().Unix(), runID)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", runID, err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("run %s is not running", runID)
	}

	evt := q.log.Info()
	if status == domain.RunFailed {
		evt = q.log.Warn()
	}
	evt.Str("run_id", runID).
		Str("status", string(status)).
		Int("rows_written", rowsWritten).
		Str("provider", string(provider)).
		Str("error_code", errCode).
		Msg("Run completed")

	return nil
}

// Requeue sends a running or failed run back to queued, incrementing its
// attempt counter. The next tick's dispatch picks it up, which gives an
// effective minimum backoff of one tick interval.
func (q *Queue) Requeue(runID, reason string) error {
	result, err := q.db.Exec(`
		UPDATE job_runs
		SET status = 'queued', attempt = attempt + 1, started_at = NULL, finished_at = NULL, error_message = ?
		WHERE id = ? AND status IN ('running', 'failed')
	`, reason, runID)
	if err != nil {
		return fmt.Errorf("failed to requeue run %s: %w", runID, err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("run %s is not running or failed", runID)
	}

	q.log.Debug().Str("run_id", runID).Str("reason", reason).Msg("Requeued run")

	return nil
}

// Cancel marks a queued or running run cancelled. Administrative action
// only; workers observe cancellation at batch boundaries via IsCancelled.
func (q *Queue) Cancel(runID string) error {
	result, err := q.db.Exec(`
		UPDATE job_runs
		SET status = 'cancelled', finished_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, q.clk.NowUTC().Unix(), runID)
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("run %s is not queued or running", runID)
	}

	q.log.Info().Str("run_id", runID).Msg("Cancelled run")

	return nil
}

// IsCancelled reports whether the run has been cancelled.
func (q *Queue) IsCancelled(runID string) (bool, error) {
	var status string
	err := q.db.QueryRow(`SELECT status FROM job_runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query run %s status: %w", runID, err)
	}

	return domain.RunStatus(status) == domain.RunCancelled, nil
}

// SweepStuck fails runs that have sat in running longer than timeout.
// Runs younger than the timeout are never touched. Returns the number of
// runs failed by the sweep.
func (q *Queue) SweepStuck(timeout time.Duration) (int, error) {
	now := q.clk.NowUTC()
	cutoff := now.Add(-timeout).Unix()

	result, err := q.db.Exec(`
		UPDATE job_runs
		SET status = 'failed', error_code = 'stuck', error_message = ?, finished_at = ?
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
	`, fmt.Sprintf("run exceeded stuck timeout of %s", timeout), now.Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck runs: %w", err)
	}

	swept, _ := result.RowsAffected()
	if swept > 0 {
		q.log.Warn().Int64("swept", swept).Dur("timeout", timeout).Msg("Failed stuck runs")
	}

	return int(swept), nil
}

// RecoverOrphans requeues every running run. Called once at startup, before
// any worker exists, so anything still marked running was orphaned by a
// previous process and can safely go back to the queue.
func (q *Queue) RecoverOrphans() (int, error) {
	result, err := q.db.Exec(`
		UPDATE job_runs
		SET status = 'queued', attempt = attempt + 1, started_at = NULL, error_message = 'recovered after restart'
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	recovered, _ := result.RowsAffected()
	if recovered > 0 {
		q.log.Warn().Int64("recovered", recovered).Msg("Requeued orphaned runs from previous process")
	}

	return int(recovered), nil
}

// Get returns the run by id, or nil when absent.
func (q *Queue) Get(runID string) (*domain.JobRun, error) {
	row := q.db.QueryRow(`SELECT `+selectRunColumns+` FROM job_runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}

	return run, nil
}

// CountByStatus returns the number of runs in each status.
func (q *Queue) CountByStatus() (map[domain.RunStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM job_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count row: %w", err)
		}
		counts[domain.RunStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status count rows: %w", err)
	}

	return counts, nil
}

// RecentRuns returns the most recently created runs, newest first.
func (q *Queue) RecentRuns(limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.Query(`
		SELECT `+selectRunColumns+`
		FROM job_runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}

	return out, nil
}

func scanRun(row rowScanner) (*domain.JobRun, error) {
	var (
		run                domain.JobRun
		tf, kind, status   string
		provider, trigger  string
		sliceFrom, sliceTo int64
		created            int64
		started, finished  sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.JobDefID, &run.Symbol, &tf, &kind,
		&sliceFrom, &sliceTo, &status, &run.Attempt, &run.RowsWritten,
		&provider, &run.ErrorCode, &run.ErrorMessage, &trigger, &run.IdxHash,
		&created, &started, &finished); err != nil {
		return nil, err
	}

	run.Timeframe = domain.Timeframe(tf)
	run.Kind = domain.JobKind(kind)
	run.Status = domain.RunStatus(status)
	run.Provider = domain.Provider(provider)
	run.TriggeredBy = domain.TriggerSource(trigger)
	run.SliceFrom = time.Unix(sliceFrom, 0).UTC()
	run.SliceTo = time.Unix(sliceTo, 0).UTC()
	run.CreatedAt = time.Unix(created, 0).UTC()
	if started.Valid {
		t := time.Unix(started.Int64, 0).UTC()
		run.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		run.FinishedAt = &t
	}

	return &run, nil
}
