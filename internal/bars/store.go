// Package bars implements the layered OHLC bar store and its chart-read
// aggregation. Bars are layered by (provider, is_forecast); writes are
// partitioned so the historical, intraday and forecast layers stay disjoint,
// and reads collapse provider layers by preference rank.
package bars

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/database"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/symbols"
)

// maxForecastBars caps how many forecast rows a chart read may append.
const maxForecastBars = 20

// Store handles database operations for OHLC bars.
// Database: market.db (bars table)
type Store struct {
	db   *database.DB // market.db
	syms *symbols.Repository
	clk  clock.Clock
	log  zerolog.Logger
}

// NewStore creates a new bar store.
// db parameter should be market.db connection
func NewStore(db *database.DB, syms *symbols.Repository, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{
		db:   db,
		syms: syms,
		clk:  clk,
		log:  log.With().Str("component", "bar_store").Logger(),
	}
}

// RowError reports one rejected row of a batch upsert.
type RowError struct {
	Index int
	Err   error
}

// UpsertResult summarizes a batch upsert: rows written (inserted or
// replaced) and rows rejected by validation.
type UpsertResult struct {
	Written  int
	Rejected []RowError
}

const upsertBarSQL = `
	INSERT INTO bars (symbol_id, timeframe, ts, open, high, low, close, volume,
		provider, is_intraday, is_forecast, data_status,
		confidence_score, upper_band, lower_band,
		fetched_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol_id, timeframe, ts, provider, is_forecast) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		is_intraday = excluded.is_intraday,
		data_status = excluded.data_status,
		confidence_score = excluded.confidence_score,
		upper_band = excluded.upper_band,
		lower_band = excluded.lower_band,
		fetched_at = excluded.fetched_at,
		updated_at = excluded.updated_at
`

// UpsertBars writes a batch of bars. Each row is validated against the
// write partition rules; invalid rows are dropped individually and reported
// in the result, valid siblings still land. The write is idempotent per
// (symbol, timeframe, ts, provider, is_forecast) key, last writer wins.
// Prices are rounded to 4 decimals on the way in.
func (s *Store) UpsertBars(rows []domain.Bar) (UpsertResult, error) {
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}

	now := s.clk.NowUTC()

	// Resolve registry ids once per distinct ticker before opening the
	// write transaction. Registry rows are permanent, so doing this
	// outside the transaction cannot lose writes.
	ids := make(map[string]int64)
	for _, b := range rows {
		ticker := symbols.Normalize(b.Symbol)
		if ticker == "" {
			continue
		}
		if _, ok := ids[ticker]; ok {
			continue
		}
		sym, err := s.syms.GetOrCreate(ticker)
		if err != nil {
			return res, fmt.Errorf("failed to resolve symbol %s: %w", ticker, err)
		}
		ids[ticker] = sym.ID
	}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(upsertBarSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for i, b := range rows {
			if err := ValidateBar(b, now); err != nil {
				res.Rejected = append(res.Rejected, RowError{Index: i, Err: err})
				continue
			}

			status := b.DataStatus
			if status == "" {
				status = domain.DataVerified
			}
			fetchedAt := b.FetchedAt
			if fetchedAt.IsZero() {
				fetchedAt = now
			}

			_, err := stmt.Exec(
				ids[symbols.Normalize(b.Symbol)],
				string(b.Timeframe),
				b.TS.UTC().Unix(),
				domain.RoundPrice(b.Open),
				domain.RoundPrice(b.High),
				domain.RoundPrice(b.Low),
				domain.RoundPrice(b.Close),
				b.Volume,
				string(b.Provider),
				b.IsIntraday,
				b.IsForecast,
				string(status),
				b.ConfidenceScore,
				b.UpperBand,
				b.LowerBand,
				fetchedAt.UTC().Unix(),
				now.Unix(),
				now.Unix(),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert bar %s %s @ %s: %w",
					b.Symbol, b.Timeframe, b.TS.Format(time.RFC3339), err)
			}
			res.Written++
		}

		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	for _, rej := range res.Rejected {
		s.log.Warn().Int("row", rej.Index).Err(rej.Err).Msg("Dropped invalid bar")
	}
	if res.Written > 0 {
		s.log.Debug().Int("written", res.Written).Int("rejected", len(res.Rejected)).Msg("Upserted bars")
	}

	return res, nil
}

// ReadChart returns the last maxBars non-forecast bars for the symbol in
// [from, to], ascending. For h1 and h4, buckets with no native bar are
// derived from finer-grained bars in the same window. When includeForecast
// is set, up to 20 future forecast bars are appended after the series.
func (s *Store) ReadChart(symbol string, tf domain.Timeframe, from, to time.Time, maxBars int, includeForecast bool) ([]domain.Bar, error) {
	now := s.clk.NowUTC()
	todayET := clock.MarketDayET(now)

	persisted, err := s.readWindow(symbol, tf, from, to)
	if err != nil {
		return nil, err
	}
	out := dedupByTimestamp(persisted, todayET)

	if tf == domain.TimeframeH1 || tf == domain.TimeframeH4 {
		out, err = s.fillFromFiner(symbol, tf, from, to, out, todayET)
		if err != nil {
			return nil, err
		}
	}

	if maxBars > 0 && len(out) > maxBars {
		out = out[len(out)-maxBars:]
	}

	if includeForecast {
		forecast, err := s.readForecastAfter(symbol, tf, now, maxForecastBars)
		if err != nil {
			return nil, err
		}
		out = append(out, forecast...)
	}

	return out, nil
}

// fillFromFiner fills target-timeframe buckets that have no native bar by
// aggregating finer-grained bars from the same window. h1 derives from m15;
// h4 derives from m15 first and falls back to h1 for buckets m15 cannot fill.
func (s *Store) fillFromFiner(symbol string, target domain.Timeframe, from, to time.Time, native []domain.Bar, todayET time.Time) ([]domain.Bar, error) {
	present := make(map[int64]bool, len(native))
	for _, b := range native {
		present[b.TS.Unix()] = true
	}

	sources := []domain.Timeframe{domain.TimeframeM15}
	if target == domain.TimeframeH4 {
		sources = append(sources, domain.TimeframeH1)
	}

	out := native
	for _, src := range sources {
		finer, err := s.readWindow(symbol, src, from, to)
		if err != nil {
			return nil, err
		}
		for _, agg := range aggregateBuckets(finer, target, todayET) {
			if present[agg.TS.Unix()] {
				continue
			}
			present[agg.TS.Unix()] = true
			out = append(out, agg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })

	return out, nil
}

// Layers groups bars into the three disjoint read layers.
type Layers struct {
	Historical []domain.Bar
	Intraday   []domain.Bar
	Forecast   []domain.Bar
}

// ReadLayers splits the symbol's bars in [start, end] into historical
// (before today), intraday (today) and forecast (future forecast rows).
// Layer membership is classified by the bar timestamp's ET market day, not
// the stored is_intraday flag, which is a snapshot taken at write time.
// Forecast rows never leak into historical or intraday, regardless of
// timestamp.
func (s *Store) ReadLayers(symbol string, tf domain.Timeframe, start, end time.Time) (*Layers, error) {
	all, err := s.readWindowAll(symbol, tf, start, end)
	if err != nil {
		return nil, err
	}

	todayET := clock.MarketDayET(s.clk.NowUTC())

	var historical, intraday, forecast []domain.Bar
	for _, b := range all {
		day := clock.MarketDayET(b.TS)
		switch {
		case b.IsForecast:
			// Forecast rows with timestamps on or before today belong to
			// no layer.
			if day.After(todayET) {
				forecast = append(forecast, b)
			}
		case day.Before(todayET):
			historical = append(historical, b)
		default:
			intraday = append(intraday, b)
		}
	}

	return &Layers{
		Historical: dedupByTimestamp(historical, todayET),
		Intraday:   dedupByTimestamp(intraday, todayET),
		Forecast:   dedupByTimestamp(forecast, todayET),
	}, nil
}

// NewestBarTS returns the newest non-forecast bar timestamp for the symbol
// and timeframe, or nil when the store holds none.
func (s *Store) NewestBarTS(symbol string, tf domain.Timeframe) (*time.Time, error) {
	return s.boundaryTS(symbol, tf, "MAX")
}

// OldestBarTS returns the oldest non-forecast bar timestamp for the symbol
// and timeframe, or nil when the store holds none.
func (s *Store) OldestBarTS(symbol string, tf domain.Timeframe) (*time.Time, error) {
	return s.boundaryTS(symbol, tf, "MIN")
}

func (s *Store) boundaryTS(symbol string, tf domain.Timeframe, agg string) (*time.Time, error) {
	query := fmt.Sprintf(`
		SELECT %s(b.ts)
		FROM bars b
		JOIN symbols s ON s.id = b.symbol_id
		WHERE s.ticker = ? AND b.timeframe = ? AND b.is_forecast = 0
	`, agg)

	var ts sql.NullInt64
	err := s.db.QueryRow(query, symbols.Normalize(symbol), string(tf)).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s bar timestamp for %s %s: %w", agg, symbol, tf, err)
	}
	if !ts.Valid {
		return nil, nil
	}

	t := time.Unix(ts.Int64, 0).UTC()
	return &t, nil
}

const selectBarColumns = `
	b.id, b.symbol_id, s.ticker, b.timeframe, b.ts,
	b.open, b.high, b.low, b.close, b.volume,
	b.provider, b.is_intraday, b.is_forecast, b.data_status,
	b.confidence_score, b.upper_band, b.lower_band,
	b.fetched_at, b.created_at, b.updated_at`

// readWindow returns non-forecast bars in [from, to], ascending by time.
func (s *Store) readWindow(symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT `+selectBarColumns+`
		FROM bars b
		JOIN symbols s ON s.id = b.symbol_id
		WHERE s.ticker = ? AND b.timeframe = ? AND b.ts >= ? AND b.ts <= ?
			AND b.is_forecast = 0
		ORDER BY b.ts ASC
	`, symbols.Normalize(symbol), string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// readWindowAll returns all bars in [from, to] including forecast rows.
func (s *Store) readWindowAll(symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT `+selectBarColumns+`
		FROM bars b
		JOIN symbols s ON s.id = b.symbol_id
		WHERE s.ticker = ? AND b.timeframe = ? AND b.ts >= ? AND b.ts <= ?
		ORDER BY b.ts ASC
	`, symbols.Normalize(symbol), string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// readForecastAfter returns up to limit forecast bars strictly after the
// given instant, ascending by time.
func (s *Store) readForecastAfter(symbol string, tf domain.Timeframe, after time.Time, limit int) ([]domain.Bar, error) {
	rows, err := s.db.Query(`
		SELECT `+selectBarColumns+`
		FROM bars b
		JOIN symbols s ON s.id = b.symbol_id
		WHERE s.ticker = ? AND b.timeframe = ? AND b.is_forecast = 1 AND b.ts > ?
		ORDER BY b.ts ASC
		LIMIT ?
	`, symbols.Normalize(symbol), string(tf), after.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast bars for %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar

	for rows.Next() {
		var (
			b                    domain.Bar
			tf, provider, status string
			ts, fetched          int64
			created, updated     int64
			conf, upper, lower   sql.NullFloat64
		)
		if err := rows.Scan(&b.ID, &b.SymbolID, &b.Symbol, &tf, &ts,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&provider, &b.IsIntraday, &b.IsForecast, &status,
			&conf, &upper, &lower, &fetched, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan bar row: %w", err)
		}

		b.Timeframe = domain.Timeframe(tf)
		b.Provider = domain.Provider(provider)
		b.DataStatus = domain.DataStatus(status)
		b.TS = time.Unix(ts, 0).UTC()
		b.FetchedAt = time.Unix(fetched, 0).UTC()
		b.CreatedAt = time.Unix(created, 0).UTC()
		b.UpdatedAt = time.Unix(updated, 0).UTC()
		if conf.Valid {
			v := conf.Float64
			b.ConfidenceScore = &v
		}
		if upper.Valid {
			v := upper.Float64
			b.UpperBand = &v
		}
		if lower.Valid {
			v := lower.Float64
			b.LowerBand = &v
		}

		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bar rows: %w", err)
	}

	return out, nil
}
