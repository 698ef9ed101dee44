// Package symbols provides the symbol registry shared by ingestion and charts.
package symbols

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/rs/zerolog"
)

// Repository handles database operations for the symbol registry.
// Database: market.db (symbols table)
type Repository struct {
	db  *database.DB // market.db
	log zerolog.Logger
}

// NewRepository creates a new symbol repository.
// db parameter should be market.db connection
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "symbol_repository").Logger(),
	}
}

// Normalize canonicalizes a ticker: trimmed and uppercased.
func Normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// GetOrCreate returns the registry row for ticker, inserting it if missing.
// Tickers are stored uppercase; lookups are normalized the same way.
func (r *Repository) GetOrCreate(ticker string) (*domain.Symbol, error) {
	ticker = Normalize(ticker)
	if ticker == "" {
		return nil, fmt.Errorf("ticker must not be empty")
	}

	now := time.Now().UTC().Unix()
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO symbols (ticker, asset_type, description, created_at, updated_at)
		VALUES (?, 'equity', '', ?, ?)
	`, ticker, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert symbol: %w", err)
	}

	if inserted, _ := result.RowsAffected(); inserted > 0 {
		r.log.Debug().Str("ticker", ticker).Msg("Registered new symbol")
	}

	return r.GetByTicker(ticker)
}

// GetByTicker returns the symbol row for ticker, or nil when unknown.
func (r *Repository) GetByTicker(ticker string) (*domain.Symbol, error) {
	ticker = Normalize(ticker)

	var s domain.Symbol
	err := r.db.QueryRow(`
		SELECT id, ticker, asset_type, description
		FROM symbols
		WHERE ticker = ?
	`, ticker).Scan(&s.ID, &s.Ticker, &s.AssetType, &s.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol %s: %w", ticker, err)
	}

	return &s, nil
}

// List returns all registered symbols ordered by ticker.
func (r *Repository) List() ([]domain.Symbol, error) {
	rows, err := r.db.Query(`
		SELECT id, ticker, asset_type, description
		FROM symbols
		ORDER BY ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var out []domain.Symbol
	for rows.Next() {
		var s domain.Symbol
		if err := rows.Scan(&s.ID, &s.Ticker, &s.AssetType, &s.Description); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w", err)
		}
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbol rows: %w", err)
	}

	return out, nil
}
