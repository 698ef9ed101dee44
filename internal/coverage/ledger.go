// Package coverage maintains the per-(symbol, timeframe) ledger of which
// bar data is known present. The ledger stores a single contiguous interval
// per key; interior holes are not modeled, so gap queries report only the
// prefix and suffix of the requested window.
package coverage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/symbols"
)

// Ledger handles database operations for coverage intervals.
// Database: market.db (coverage_status table)
type Ledger struct {
	db  *database.DB // market.db
	clk clock.Clock
	log zerolog.Logger
}

// NewLedger creates a new coverage ledger.
// db parameter should be market.db connection
func NewLedger(db *database.DB, clk clock.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "coverage_ledger").Logger(),
	}
}

// Gaps returns the missing spans of the lookback window for the key.
// The target window is [now − windowDays, now]. A key with no ledger entry
// yields the whole window as one gap; otherwise the prefix before the
// covered interval and the suffix after it are returned, clamped to the
// window. Gaps never overlap the covered interval.
func (l *Ledger) Gaps(symbol string, tf domain.Timeframe, windowDays int) ([]domain.Interval, error) {
	targetTo := l.clk.NowUTC()
	targetFrom := targetTo.AddDate(0, 0, -windowDays)

	entry, err := l.Get(symbol, tf)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return []domain.Interval{{From: targetFrom, To: targetTo}}, nil
	}

	var gaps []domain.Interval

	if targetFrom.Before(entry.FromTS) {
		prefixTo := entry.FromTS
		if prefixTo.After(targetTo) {
			prefixTo = targetTo
		}
		gaps = append(gaps, domain.Interval{From: targetFrom, To: prefixTo})
	}

	if entry.ToTS.Before(targetTo) {
		suffixFrom := entry.ToTS
		if suffixFrom.Before(targetFrom) {
			suffixFrom = targetFrom
		}
		gaps = append(gaps, domain.Interval{From: suffixFrom, To: targetTo})
	}

	return gaps, nil
}

// RecordSuccess expands the covered interval after a successful run.
// Only runs that actually wrote rows advance coverage; zero-row successes
// (such as unknown-symbol fetches) leave the ledger untouched. Interval
// bounds grow monotonically, last_* fields are last-writer-wins.
func (l *Ledger) RecordSuccess(symbol string, tf domain.Timeframe, sliceFrom, sliceTo time.Time, rowsWritten int, provider domain.Provider) error {
	if rowsWritten <= 0 {
		return nil
	}

	symbol = symbols.Normalize(symbol)
	now := l.clk.NowUTC()

	_, err := l.db.Exec(`
		INSERT INTO coverage_status (symbol, timeframe, from_ts, to_ts, last_success_at, last_rows_written, last_provider)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			from_ts = MIN(from_ts, excluded.from_ts),
			to_ts = MAX(to_ts, excluded.to_ts),
			last_success_at = excluded.last_success_at,
			last_rows_written = excluded.last_rows_written,
			last_provider = excluded.last_provider
	`, symbol, string(tf), sliceFrom.UTC().Unix(), sliceTo.UTC().Unix(),
		now.Unix(), rowsWritten, string(provider))
	if err != nil {
		return fmt.Errorf("failed to record coverage for %s %s: %w", symbol, tf, err)
	}

	l.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Time("slice_from", sliceFrom).
		Time("slice_to", sliceTo).
		Int("rows_written", rowsWritten).
		Msg("Coverage advanced")

	return nil
}

// Get returns the ledger entry for the key, or nil when absent.
func (l *Ledger) Get(symbol string, tf domain.Timeframe) (*domain.CoverageInterval, error) {
	var (
		entry               domain.CoverageInterval
		from, to, successAt int64
		timeframe, provider string
	)
	err := l.db.QueryRow(`
		SELECT symbol, timeframe, from_ts, to_ts, last_success_at, last_rows_written, last_provider
		FROM coverage_status
		WHERE symbol = ? AND timeframe = ?
	`, symbols.Normalize(symbol), string(tf)).Scan(
		&entry.Symbol, &timeframe, &from, &to, &successAt, &entry.LastRowsWritten, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage for %s %s: %w", symbol, tf, err)
	}

	entry.Timeframe = domain.Timeframe(timeframe)
	entry.FromTS = time.Unix(from, 0).UTC()
	entry.ToTS = time.Unix(to, 0).UTC()
	entry.LastSuccessAt = time.Unix(successAt, 0).UTC()
	entry.LastProvider = domain.Provider(provider)

	return &entry, nil
}

// All returns every ledger entry, ordered by symbol then timeframe.
func (l *Ledger) All() ([]domain.CoverageInterval, error) {
	rows, err := l.db.Query(`
		SELECT symbol, timeframe, from_ts, to_ts, last_success_at, last_rows_written, last_provider
		FROM coverage_status
		ORDER BY symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage entries: %w", err)
	}
	defer rows.Close()

	var out []domain.CoverageInterval
	for rows.Next() {
		var (
			entry               domain.CoverageInterval
			from, to, successAt int64
			timeframe, provider string
		)
		if err := rows.Scan(&entry.Symbol, &timeframe, &from, &to, &successAt,
			&entry.LastRowsWritten, &provider); err != nil {
			return nil, fmt.Errorf("failed to scan coverage row: %w", err)
		}
		entry.Timeframe = domain.Timeframe(timeframe)
		entry.FromTS = time.Unix(from, 0).UTC()
		entry.ToTS = time.Unix(to, 0).UTC()
		entry.LastSuccessAt = time.Unix(successAt, 0).UTC()
		entry.LastProvider = domain.Provider(provider)
		out = append(out, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coverage rows: %w", err)
	}

	return out, nil
}
