// Package cache provides persistent caching for API response payloads.
// Values are stored as msgpack blobs with expiration timestamps in cache.db;
// the cache survives restarts so a bounce does not trigger a thundering herd
// against the providers.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
)

// Store provides cache operations over the api_cache table.
// Database: cache.db
type Store struct {
	db  *database.DB // cache.db
	clk clock.Clock
	log zerolog.Logger
}

// NewStore creates a new cache store.
// db parameter should be cache.db connection
func NewStore(db *database.DB, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		clk: clk,
		log: log.With().Str("component", "api_cache").Logger(),
	}
}

// cacheKey namespaces keys so different response kinds cannot collide.
func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

// Put saves a value with expiration = now + ttl, replacing any previous
// entry for the key.
func (s *Store) Put(namespace, key string, value interface{}, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	now := s.clk.NowUTC()
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO api_cache (cache_key, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, cacheKey(namespace, key), payload, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", cacheKey(namespace, key), err)
	}

	return nil
}

// GetFresh decodes the entry into out if it exists and has not expired.
// Returns false when the key is missing or stale.
func (s *Store) GetFresh(namespace, key string, out interface{}) (bool, error) {
	return s.get(namespace, key, out, true)
}

// GetStale decodes the entry into out regardless of expiration. Fallback for
// when the upstream API is down: stale data beats no data.
func (s *Store) GetStale(namespace, key string, out interface{}) (bool, error) {
	return s.get(namespace, key, out, false)
}

func (s *Store) get(namespace, key string, out interface{}, freshOnly bool) (bool, error) {
	query := `SELECT payload FROM api_cache WHERE cache_key = ?`
	args := []interface{}{cacheKey(namespace, key)}
	if freshOnly {
		query += ` AND expires_at > ?`
		args = append(args, s.clk.NowUTC().Unix())
	}

	var payload []byte
	err := s.db.QueryRow(query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache entry %s: %w", cacheKey(namespace, key), err)
	}

	if err := msgpack.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", cacheKey(namespace, key), err)
	}

	return true, nil
}

// Delete removes one entry.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM api_cache WHERE cache_key = ?`, cacheKey(namespace, key))
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", cacheKey(namespace, key), err)
	}
	return nil
}

// DeleteExpired removes every stale entry. Returns the number removed; the
// scheduler runs this hourly.
func (s *Store) DeleteExpired() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM api_cache WHERE expires_at < ?`, s.clk.NowUTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted cache entries: %w", err)
	}

	if deleted > 0 {
		s.log.Debug().Int64("deleted", deleted).Msg("Removed expired cache entries")
	}

	return deleted, nil
}

// Count returns the total number of entries, fresh and stale.
func (s *Store) Count() (int64, error) {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM api_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}
