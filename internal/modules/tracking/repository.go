// Package tracking records which symbols users care about and syncs the
// job catalog so tracked symbols stay fresh. Each (symbol, source) pair is
// one row; re-syncing stamps last_seen_at without losing first_seen_at.
package tracking

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/symbols"
)

// Entry is one user tracking row.
type Entry struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Source      string    `json:"source"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Repository handles database operations for user tracking entries.
// Database: jobs.db (user_tracking table)
type Repository struct {
	db  *database.DB // jobs.db
	clk clock.Clock
	log zerolog.Logger
}

// NewRepository creates a new tracking repository.
// db parameter should be jobs.db connection
func NewRepository(db *database.DB, clk clock.Clock, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "user_tracking").Logger(),
	}
}

// Touch upserts the (symbol, source) pair, stamping last_seen_at. The
// first sighting also sets first_seen_at.
func (r *Repository) Touch(symbol, source string) error {
	symbol = symbols.Normalize(symbol)
	if symbol == "" {
		return fmt.Errorf("tracking symbol must not be empty")
	}
	if source == "" {
		return fmt.Errorf("tracking source must not be empty")
	}

	now := r.clk.NowUTC().Unix()
	_, err := r.db.Exec(`
		INSERT INTO user_tracking (symbol, source, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, source) DO UPDATE SET
			last_seen_at = excluded.last_seen_at
	`, symbol, source, now, now)
	if err != nil {
		return fmt.Errorf("failed to touch tracking entry %s/%s: %w", symbol, source, err)
	}

	return nil
}

// List returns all tracking entries, most recently seen first.
func (r *Repository) List() ([]Entry, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, source, first_seen_at, last_seen_at
		FROM user_tracking
		ORDER BY last_seen_at DESC, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var firstSeen, lastSeen int64
		if err := rows.Scan(&e.ID, &e.Symbol, &e.Source, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan tracking row: %w", err)
		}
		e.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
		e.LastSeenAt = time.Unix(lastSeen, 0).UTC()
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking rows: %w", err)
	}

	return out, nil
}

// ListSymbols returns the distinct tracked symbols across all sources.
func (r *Repository) ListSymbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol FROM user_tracking ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan tracked symbol: %w", err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked symbols: %w", err)
	}

	return out, nil
}

// CountBySource returns how many symbols each source tracks.
func (r *Repository) CountBySource() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT source, COUNT(*) FROM user_tracking GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tracking entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan tracking count: %w", err)
		}
		out[source] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking counts: %w", err)
	}

	return out, nil
}
