// Package jobs provides the durable job catalog and run queue that drive
// the ingestion orchestrator. Definitions describe what must stay fresh;
// runs are the individual time slices workers claim and execute.
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

// Catalog handles database operations for job definitions.
// Database: jobs.db (job_definitions table)
type Catalog struct {
	db  *database.DB // jobs.db
	clk clock.Clock
	log zerolog.Logger
}

// NewCatalog creates a new job catalog.
// db parameter should be jobs.db connection
func NewCatalog(db *database.DB, clk clock.Clock, log zerolog.Logger) *Catalog {
	return &Catalog{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "job_catalog").Logger(),
	}
}

// UpsertDefinition inserts or refreshes a definition keyed by
// (symbol, timeframe, kind). Re-upserting updates window_days and priority
// and re-enables a disabled definition; changes take effect at the next
// orchestrator tick.
func (c *Catalog) UpsertDefinition(def domain.JobDefinition) (*domain.JobDefinition, error) {
	def.Symbol = symbols.Normalize(def.Symbol)
	if def.Symbol == "" {
		return nil, fmt.Errorf("definition symbol must not be empty")
	}
	if !def.Timeframe.Valid() {
		return nil, fmt.Errorf("invalid definition timeframe %q", def.Timeframe)
	}
	if !def.Kind.Valid() {
		return nil, fmt.Errorf("invalid definition kind %q", def.Kind)
	}
	if def.WindowDays <= 0 {
		return nil, fmt.Errorf("definition window_days must be positive, got %d", def.WindowDays)
	}

	now := c.clk.NowUTC().Unix()
	_, err := c.db.Exec(`
		INSERT INTO job_definitions (symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (symbol, timeframe, kind) DO UPDATE SET
			window_days = excluded.window_days,
			priority = excluded.priority,
			enabled = 1,
			updated_at = excluded.updated_at
	`, def.Symbol, def.SymbolID, string(def.Timeframe), string(def.Kind),
		def.WindowDays, def.Priority, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert definition %s %s %s: %w", def.Symbol, def.Timeframe, def.Kind, err)
	}

	return c.Get(def.Symbol, def.Timeframe, def.Kind)
}

// Enable flips the enabled flag for a definition.
func (c *Catalog) Enable(symbol string, tf domain.Timeframe, kind domain.JobKind, enabled bool) error {
	result, err := c.db.Exec(`
		UPDATE job_definitions
		SET enabled = ?, updated_at = ?
		WHERE symbol = ? AND timeframe = ? AND kind = ?
	`, enabled, c.clk.NowUTC().Unix(), symbols.Normalize(symbol), string(tf), string(kind))
	if err != nil {
		return fmt.Errorf("failed to update definition enabled flag: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("no definition for %s %s %s", symbol, tf, kind)
	}

	c.log.Debug().
		Str("symbol", symbols.Normalize(symbol)).
		Str("timeframe", string(tf)).
		Str("kind", string(kind)).
		Bool("enabled", enabled).
		Msg("Definition enabled flag changed")

	return nil
}

// ListEnabled returns enabled definitions ordered by priority descending,
// then oldest first. This is the orchestrator's scan order.
func (c *Catalog) ListEnabled() ([]domain.JobDefinition, error) {
	rows, err := c.db.Query(`
		SELECT id, symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at
		FROM job_definitions
		WHERE enabled = 1
		ORDER BY priority DESC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled definitions: %w", err)
	}
	defer rows.Close()

	return scanDefinitions(rows)
}

// ListAll returns every definition, enabled or not.
func (c *Catalog) ListAll() ([]domain.JobDefinition, error) {
	rows, err := c.db.Query(`
		SELECT id, symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at
		FROM job_definitions
		ORDER BY symbol, timeframe, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	return scanDefinitions(rows)
}

// Get returns the definition for the key, or nil when absent.
func (c *Catalog) Get(symbol string, tf domain.Timeframe, kind domain.JobKind) (*domain.JobDefinition, error) {
	row := c.db.QueryRow(`
		SELECT id, symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at
		FROM job_definitions
		WHERE symbol = ? AND timeframe = ? AND kind = ?
	`, symbols.Normalize(symbol), string(tf), string(kind))

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query definition %s %s %s: %w", symbol, tf, kind, err)
	}

	return def, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (*domain.JobDefinition, error) {
	var (
		def              domain.JobDefinition
		tf, kind         string
		created, updated int64
	)
	if err := row.Scan(&def.ID, &def.Symbol, &def.SymbolID, &tf, &kind,
		&def.WindowDays, &def.Priority, &def.Enabled, &created, &updated); err != nil {
		return nil, err
	}

	def.Timeframe = domain.Timeframe(tf)
	def.Kind = domain.JobKind(kind)
	def.CreatedAt = time.Unix(created, 0).UTC()
	def.UpdatedAt = time.Unix(updated, 0).UTC()

	return &def, nil
}

func scanDefinitions(rows *sql.Rows) ([]domain.JobDefinition, error) {
	var out []domain.JobDefinition

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition row: %w", err)
		}
		out = append(out, *def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definition rows: %w", err)
	}

	return out, nil
}
