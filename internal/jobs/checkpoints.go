package jobs

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

// Checkpoints stores advisory resume pointers for long historical fetches.
// A checkpoint records the newest bar timestamp a provider has delivered
// for a key. It is a hint for operators and backfill tooling, never a
// substitute for the coverage ledger.
// Database: jobs.db (provider_checkpoints table)
type Checkpoints struct {
	db  *database.DB // jobs.db
	clk clock.Clock
	log zerolog.Logger
}

// NewCheckpoints creates a checkpoint repository.
// db parameter should be jobs.db connection
func NewCheckpoints(db *database.DB, clk clock.Clock, log zerolog.Logger) *Checkpoints {
	return &Checkpoints{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "checkpoints").Logger(),
	}
}

// Record upserts the checkpoint for (provider, symbol, timeframe). The
// pointer only moves forward; an older lastTS leaves the row unchanged.
func (c *Checkpoints) Record(provider domain.Provider, symbol string, tf domain.Timeframe, lastTS time.Time) error {
	symbol = symbols.Normalize(symbol)
	if symbol == "" {
		return fmt.Errorf("checkpoint symbol is empty")
	}

	_, err := c.db.Exec(`
		INSERT INTO provider_checkpoints (provider, symbol, timeframe, last_ts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, symbol, timeframe) DO UPDATE SET
			last_ts = MAX(last_ts, excluded.last_ts),
			updated_at = excluded.updated_at
	`, string(provider), symbol, string(tf), lastTS.UTC().Unix(), c.clk.NowUTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to record checkpoint for %s %s %s: %w", provider, symbol, tf, err)
	}

	return nil
}

// Get returns the checkpoint for the key, or nil when none exists.
func (c *Checkpoints) Get(provider domain.Provider, symbol string, tf domain.Timeframe) (*domain.ProviderCheckpoint, error) {
	symbol = symbols.Normalize(symbol)

	var lastTS, updatedAt int64
	err := c.db.QueryRow(`
		SELECT last_ts, updated_at FROM provider_checkpoints
		WHERE provider = ? AND symbol = ? AND timeframe = ?
	`, string(provider), symbol, string(tf)).Scan(&lastTS, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for %s %s %s: %w", provider, symbol, tf, err)
	}

	return &domain.ProviderCheckpoint{
		Provider:  provider,
		Symbol:    symbol,
		Timeframe: tf,
		LastTS:    time.Unix(lastTS, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}, nil
}

// ListForSymbol returns all checkpoints for a symbol across providers and
// timeframes.
func (c *Checkpoints) ListForSymbol(symbol string) ([]domain.ProviderCheckpoint, error) {
	symbol = symbols.Normalize(symbol)

	rows, err := c.db.Query(`
		SELECT provider, symbol, timeframe, last_ts, updated_at
		FROM provider_checkpoints
		WHERE symbol = ?
		ORDER BY provider, timeframe
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []domain.ProviderCheckpoint
	for rows.Next() {
		var cp domain.ProviderCheckpoint
		var provider, tf string
		var lastTS, updatedAt int64
		if err := rows.Scan(&provider, &cp.Symbol, &tf, &lastTS, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp.Provider = domain.Provider(provider)
		cp.Timeframe = domain.Timeframe(tf)
		cp.LastTS = time.Unix(lastTS, 0).UTC()
		cp.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}

	return out, nil
}
