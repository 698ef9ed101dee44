// Package ratelimit implements durable per-provider token buckets backed by
// the rate_buckets table in jobs.db. Tokens survive restarts, so a process
// that crashes mid-minute cannot burst past a provider's quota on the way
// back up.
package ratelimit

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
)

// defaultBuckets are the seeded provider quotas. Capacity and refill are
// both per minute; free-tier Polygon allows 5 requests/minute, Tradier 120,
// Yahoo roughly 2000, Finnhub 60. Alpaca has no row and is unlimited.
var defaultBuckets = []struct {
	provider string
	capacity float64
	refill   float64
}{
	{"polygon", 5, 5},
	{"massive", 5, 5},
	{"tradier", 120, 120},
	{"yfinance", 2000, 2000},
	{"finnhub", 60, 60},
}

// BucketStatus is the diagnostic view of one bucket. Tokens is projected
// forward to now using the refill rate without touching the stored row.
type BucketStatus struct {
	Provider        string    `json:"provider"`
	Capacity        float64   `json:"capacity"`
	RefillPerMinute float64   `json:"refill_per_minute"`
	Tokens          float64   `json:"tokens"`
	SecondsToFull   float64   `json:"seconds_to_full"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Limiter handles database operations for rate buckets.
// Database: jobs.db (rate_buckets table)
type Limiter struct {
	db  *database.DB // jobs.db
	clk clock.Clock
	log zerolog.Logger
}

// NewLimiter creates a new rate limiter.
// db parameter should be jobs.db connection
func NewLimiter(db *database.DB, clk clock.Clock, log zerolog.Logger) *Limiter {
	return &Limiter{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Seed installs the default buckets, applying per-minute overrides keyed by
// provider name (an override replaces both capacity and refill). Existing
// token balances are preserved, clamped to the new capacity, so restarts
// never grant a free burst.
func (l *Limiter) Seed(overrides map[string]float64) error {
	for _, b := range defaultBuckets {
		capacity, refill := b.capacity, b.refill
		if rpm, ok := overrides[b.provider]; ok && rpm > 0 {
			capacity, refill = rpm, rpm
		}
		if err := l.Configure(b.provider, capacity, refill); err != nil {
			return err
		}
	}

	l.log.Info().Int("buckets", len(defaultBuckets)).Msg("Seeded rate buckets")

	return nil
}

// Configure inserts or updates a bucket's capacity and refill rate. A new
// bucket starts full; an existing bucket keeps its tokens, clamped to the
// new capacity.
func (l *Limiter) Configure(provider string, capacity, refillPerMinute float64) error {
	if capacity < 0 || refillPerMinute < 0 {
		return fmt.Errorf("bucket %s capacity and refill must be non-negative", provider)
	}

	_, err := l.db.Exec(`
		INSERT INTO rate_buckets (provider, capacity, refill_per_minute, tokens, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			capacity = excluded.capacity,
			refill_per_minute = excluded.refill_per_minute,
			tokens = MIN(tokens, excluded.capacity)
	`, provider, capacity, refillPerMinute, capacity, l.clk.NowUTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to configure bucket %s: %w", provider, err)
	}

	return nil
}

// Take attempts to withdraw cost tokens from the provider's bucket. The
// bucket is first refilled by elapsed_minutes * refill_per_minute (capped at
// capacity) and its timestamp advanced; the withdrawal then succeeds iff the
// refilled balance covers the cost. Non-blocking: the caller decides how to
// back off on false.
//
// Providers without a bucket row are unlimited and always succeed.
func (l *Limiter) Take(provider string, cost float64) (bool, error) {
	if cost <= 0 {
		return true, nil
	}

	now := l.clk.NowUTC().Unix()
	granted := false

	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		// Refill first. This is the transaction's opening write, so it
		// serializes concurrent takers on the row.
		result, err := tx.Exec(`
			UPDATE rate_buckets
			SET tokens = MIN(capacity, tokens + ((? - updated_at) / 60.0) * refill_per_minute),
				updated_at = ?
			WHERE provider = ?
		`, now, now, provider)
		if err != nil {
			return fmt.Errorf("failed to refill bucket %s: %w", provider, err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			granted = true // no bucket, no limit
			return nil
		}

		result, err = tx.Exec(`
			UPDATE rate_buckets
			SET tokens = tokens - ?
			WHERE provider = ? AND tokens >= ?
		`, cost, provider, cost)
		if err != nil {
			return fmt.Errorf("failed to withdraw from bucket %s: %w", provider, err)
		}
		affected, _ := result.RowsAffected()
		granted = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	if !granted {
		l.log.Debug().Str("provider", provider).Float64("cost", cost).Msg("Rate bucket exhausted")
	}

	return granted, nil
}

// Status returns the refill-projected view of one bucket without mutating
// it, or nil when the provider has no bucket. SecondsToFull is -1 for a
// bucket that never refills.
func (l *Limiter) Status(provider string) (*BucketStatus, error) {
	row := l.db.QueryRow(`
		SELECT provider, capacity, refill_per_minute, tokens, updated_at
		FROM rate_buckets
		WHERE provider = ?
	`, provider)

	status, err := scanStatus(row, l.clk.NowUTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket %s: %w", provider, err)
	}

	return status, nil
}

// StatusAll returns the projected view of every bucket, ordered by provider.
func (l *Limiter) StatusAll() ([]BucketStatus, error) {
	rows, err := l.db.Query(`
		SELECT provider, capacity, refill_per_minute, tokens, updated_at
		FROM rate_buckets
		ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	now := l.clk.NowUTC()
	var out []BucketStatus
	for rows.Next() {
		status, err := scanStatus(rows, now)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket row: %w", err)
		}
		out = append(out, *status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bucket rows: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner, now time.Time) (*BucketStatus, error) {
	var (
		s       BucketStatus
		updated int64
	)
	if err := row.Scan(&s.Provider, &s.Capacity, &s.RefillPerMinute, &s.Tokens, &updated); err != nil {
		return nil, err
	}
	s.UpdatedAt = time.Unix(updated, 0).UTC()

	elapsedMinutes := now.Sub(s.UpdatedAt).Minutes()
	if elapsedMinutes > 0 {
		projected := s.Tokens + elapsedMinutes*s.RefillPerMinute
		if projected > s.Capacity {
			projected = s.Capacity
		}
		s.Tokens = projected
	}

	switch {
	case s.Tokens >= s.Capacity:
		s.SecondsToFull = 0
	case s.RefillPerMinute <= 0:
		s.SecondsToFull = -1
	default:
		s.SecondsToFull = (s.Capacity - s.Tokens) / s.RefillPerMinute * 60
	}

	return &s, nil
}
