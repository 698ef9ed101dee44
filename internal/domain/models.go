// Package domain provides core domain models and types.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Timeframe represents a canonical bar timeframe.
// Provider-specific interval strings (15Min, 15/minute, 15m, ...) never leave
// the provider adapters; everything else speaks these values.
type Timeframe string

const (
	TimeframeM15 Timeframe = "m15"
	TimeframeH1  Timeframe = "h1"
	TimeframeH4  Timeframe = "h4"
	TimeframeD1  Timeframe = "d1"
	TimeframeW1  Timeframe = "w1"
)

// AllTimeframes lists every supported timeframe, shortest first.
var AllTimeframes = []Timeframe{TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1}

// ParseTimeframe validates a timeframe string from the wire.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("invalid timeframe: %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the supported values.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1:
		return true
	}
	return false
}

// Duration returns the nominal span of one bar at this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Intraday reports whether bars at this timeframe are fetched through the
// intraday path (m15 plus the h1/h4 buckets that resolve from m15).
func (tf Timeframe) Intraday() bool {
	switch tf {
	case TimeframeM15, TimeframeH1, TimeframeH4:
		return true
	}
	return false
}

// Provider identifies the origin of a bar.
type Provider string

const (
	ProviderAlpaca     Provider = "alpaca"
	ProviderPolygon    Provider = "polygon"
	ProviderTradier    Provider = "tradier"
	ProviderYFinance   Provider = "yfinance"
	ProviderMLForecast Provider = "ml_forecast"
)

// Valid reports whether the provider is a known bar origin.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAlpaca, ProviderPolygon, ProviderTradier, ProviderYFinance, ProviderMLForecast:
		return true
	}
	return false
}

// JobKind categorizes what a job definition keeps fresh.
type JobKind string

const (
	KindFetchIntraday   JobKind = "fetch_intraday"
	KindFetchHistorical JobKind = "fetch_historical"
	KindRunForecast     JobKind = "run_forecast"
)

// Valid reports whether the kind is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindFetchIntraday, KindFetchHistorical, KindRunForecast:
		return true
	}
	return false
}

// KindForTimeframe maps a timeframe to the fetch kind that keeps it fresh:
// m15/h1/h4 ride the intraday route, d1/w1 the historical one.
func KindForTimeframe(tf Timeframe) JobKind {
	if tf.Intraday() {
		return KindFetchIntraday
	}
	return KindFetchHistorical
}

// DefaultWindowDays is the lookback window a definition gets when nothing
// more specific is requested. Finer timeframes keep shorter histories.
func DefaultWindowDays(tf Timeframe) int {
	switch tf {
	case TimeframeM15:
		return 7
	case TimeframeH1:
		return 30
	case TimeframeH4:
		return 60
	case TimeframeD1:
		return 365
	default: // w1
		return 730
	}
}

// RunStatus is the job run state machine:
// queued -> running -> (success | failed | cancelled), with failed/running
// re-queueable by policy.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// DataStatus describes the trust level of a stored bar.
type DataStatus string

const (
	DataVerified    DataStatus = "verified"
	DataLive        DataStatus = "live"
	DataProvisional DataStatus = "provisional"
)

// TriggerSource records what caused a run to be enqueued.
type TriggerSource string

const (
	TriggerCron      TriggerSource = "cron"
	TriggerManual    TriggerSource = "manual"
	TriggerChartRead TriggerSource = "chart_read"
	TriggerSync      TriggerSource = "sync"
)

// Tracking sources and the definition priorities they map to.
const (
	SourceWatchlist    = "watchlist"
	SourceChartView    = "chart_view"
	SourceRecentSearch = "recent_search"

	PriorityWatchlist    = 300
	PriorityChartView    = 200
	PriorityRecentSearch = 100
)

// PriorityForSource maps a tracking source to its definition priority.
func PriorityForSource(source string) (int, error) {
	switch source {
	case SourceWatchlist:
		return PriorityWatchlist, nil
	case SourceChartView:
		return PriorityChartView, nil
	case SourceRecentSearch:
		return PriorityRecentSearch, nil
	default:
		return 0, fmt.Errorf("unknown tracking source: %q", source)
	}
}

// Symbol is a canonical instrument.
type Symbol struct {
	ID          int64  `json:"id"`
	Ticker      string `json:"ticker"`
	AssetType   string `json:"asset_type"`
	Description string `json:"description,omitempty"`
}

// Bar is one OHLCV record. Identity is
// (symbol, timeframe, ts, provider, is_forecast).
type Bar struct {
	ID              int64      `json:"id,omitempty"`
	SymbolID        int64      `json:"-"`
	Symbol          string     `json:"symbol"`
	Timeframe       Timeframe  `json:"timeframe"`
	TS              time.Time  `json:"ts"`
	Open            float64    `json:"open"`
	High            float64    `json:"high"`
	Low             float64    `json:"low"`
	Close           float64    `json:"close"`
	Volume          int64      `json:"volume"`
	Provider        Provider   `json:"provider"`
	IsIntraday      bool       `json:"is_intraday"`
	IsForecast      bool       `json:"is_forecast"`
	DataStatus      DataStatus `json:"data_status"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
	UpperBand       *float64   `json:"upper_band,omitempty"`
	LowerBand       *float64   `json:"lower_band,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at,omitempty"`
}

// JobDefinition is the durable template describing what must stay fresh.
type JobDefinition struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	SymbolID   int64     `json:"symbol_id"`
	Timeframe  Timeframe `json:"timeframe"`
	Kind       JobKind   `json:"kind"`
	WindowDays int       `json:"window_days"`
	Priority   int       `json:"priority"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobRun is one executable slice of a definition.
type JobRun struct {
	ID           string        `json:"id"`
	JobDefID     int64         `json:"job_def_id"`
	Symbol       string        `json:"symbol"`
	Timeframe    Timeframe     `json:"timeframe"`
	Kind         JobKind       `json:"kind"`
	SliceFrom    time.Time     `json:"slice_from"`
	SliceTo      time.Time     `json:"slice_to"`
	Status       RunStatus     `json:"status"`
	Attempt      int           `json:"attempt"`
	RowsWritten  int           `json:"rows_written"`
	Provider     Provider      `json:"provider,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TriggeredBy  TriggerSource `json:"triggered_by"`
	IdxHash      string        `json:"idx_hash"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// CoverageInterval is the known-present span of bars for a (symbol, timeframe).
type CoverageInterval struct {
	Symbol          string    `json:"symbol"`
	Timeframe       Timeframe `json:"timeframe"`
	FromTS          time.Time `json:"from_ts"`
	ToTS            time.Time `json:"to_ts"`
	LastSuccessAt   time.Time `json:"last_success_at"`
	LastRowsWritten int       `json:"last_rows_written"`
	LastProvider    Provider  `json:"last_provider"`
}

// Interval is a [From, To] span on the time axis.
type Interval struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RateBucket is the durable token bucket row for one provider.
type RateBucket struct {
	Provider        string    `json:"provider"`
	Capacity        float64   `json:"capacity"`
	RefillPerMinute float64   `json:"refill_per_minute"`
	Tokens          float64   `json:"tokens"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProviderCheckpoint is an advisory resume pointer for long historical
// fetches. Readers must treat it as a hint, never as coverage.
type ProviderCheckpoint struct {
	Provider  Provider  `json:"provider"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	LastTS    time.Time `json:"last_ts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoundPrice normalizes a price to 4-decimal fixed point. Every ingestion
// boundary rounds through this so stored prices compare exactly.
func RoundPrice(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// IdempotencyHash derives the dedup key for a slice:
// sha256 over symbol|timeframe|slice_from_unix|slice_to_unix.
func IdempotencyHash(symbol string, tf Timeframe, sliceFrom, sliceTo time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d|%d", symbol, tf, sliceFrom.Unix(), sliceTo.Unix())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
