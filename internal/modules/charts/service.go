// Package charts serves aggregated OHLC chart reads with data-quality
// reporting and read-triggered refresh. Reads always return whatever bars
// the store holds; freshness problems are surfaced through the dataQuality
// block rather than errors, and a stale or missing range enqueues fetch
// slices for the next orchestrator dispatch.
package charts

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/bars"
	"github.com/barwatch/barwatch/internal/cache"
	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/coverage"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/orchestrator"
	"github.com/barwatch/barwatch/internal/symbols"
	"github.com/barwatch/barwatch/pkg/formulas"
)

const (
	// maxChartBars caps a single chart read; older bars beyond the cap are
	// trimmed from the front of the window.
	maxChartBars = 500

	defaultDays = 60
	maxDays     = 3650

	// minMLBars is the series length below which downstream models are not
	// worth running.
	minMLBars = 200

	// recentDataWindow bounds hasRecentData: a newest bar older than this
	// means the symbol has effectively stopped updating.
	recentDataWindow = 48 * time.Hour

	// overnightAllowance extends the staleness threshold outside US equity
	// market hours, when no new intraday bars can exist.
	overnightAllowance = 18 * time.Hour

	cacheNamespace = "chart"
)

// ErrInvalidRequest marks chart requests rejected before any read happens.
var ErrInvalidRequest = errors.New("invalid chart request")

// staleAfter returns the maximum acceptable age of the newest bar for a
// timeframe during market hours.
func staleAfter(tf domain.Timeframe) time.Duration {
	switch tf {
	case domain.TimeframeM15:
		return 2 * time.Hour
	case domain.TimeframeH1:
		return 6 * time.Hour
	case domain.TimeframeH4:
		return 12 * time.Hour
	case domain.TimeframeD1:
		return 72 * time.Hour
	default: // w1
		return 240 * time.Hour
	}
}

// Service answers chart reads from the bar store and keeps read-through
// definitions registered in the job catalog.
type Service struct {
	store    *bars.Store
	ledger   *coverage.Ledger
	catalog  *jobs.Catalog
	queue    *jobs.Queue
	cache    *cache.Store
	cacheTTL time.Duration
	clk      clock.Clock
	log      zerolog.Logger
}

// NewService creates a new charts service. cacheStore may be nil to disable
// response caching.
func NewService(
	store *bars.Store,
	ledger *coverage.Ledger,
	catalog *jobs.Catalog,
	queue *jobs.Queue,
	cacheStore *cache.Store,
	cacheTTL time.Duration,
	clk clock.Clock,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		catalog:  catalog,
		queue:    queue,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		clk:      clk,
		log:      log.With().Str("service", "charts").Logger(),
	}
}

// ReadRequest is the body of POST /chart-read.
type ReadRequest struct {
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	Days          int    `json:"days"`
	IncludeMLData bool   `json:"includeMLData"`
}

// ChartBar is one bar on the wire. Timestamps are ISO-8601 UTC with
// millisecond precision.
type ChartBar struct {
	TS              string   `json:"ts"`
	Open            float64  `json:"open"`
	High            float64  `json:"high"`
	Low             float64  `json:"low"`
	Close           float64  `json:"close"`
	Volume          int64    `json:"volume"`
	IsForecast      bool     `json:"is_forecast,omitempty"`
	UpperBand       *float64 `json:"upper_band,omitempty"`
	LowerBand       *float64 `json:"lower_band,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// Metadata describes the shape of the returned series.
type Metadata struct {
	TotalBars     int `json:"total_bars"`
	RequestedDays int `json:"requested_days"`
	MaxBars       int `json:"max_bars"`
}

// DataQuality reports freshness and depth of the stored series. Age fields
// are nil when the store holds no bars for the symbol and timeframe.
type DataQuality struct {
	DataAgeHours        *float64 `json:"dataAgeHours"`
	IsStale             bool     `json:"isStale"`
	HasRecentData       bool     `json:"hasRecentData"`
	HistoricalDepthDays *float64 `json:"historicalDepthDays"`
	SufficientForML     bool     `json:"sufficientForML"`
	BarCount            int      `json:"barCount"`
}

// RefreshStatus reports what the read-triggered refresh did. Enqueue
// failures land in Error and never fail the read itself.
type RefreshStatus struct {
	Attempted          bool     `json:"attempted"`
	EnqueuedTimeframes []string `json:"enqueuedTimeframes"`
	InsertedSlices     int      `json:"insertedSlices"`
	Error              string   `json:"error,omitempty"`
}

// MLSummary carries series-level statistics for model consumers.
type MLSummary struct {
	TrendSlope           *float64 `json:"trendSlope"`
	AnnualizedVolatility *float64 `json:"annualizedVolatility"`
	Momentum             *float64 `json:"momentum"`
	RSI14                *float64 `json:"rsi14"`
	MeanClose            float64  `json:"meanClose"`
	MeanVolume           float64  `json:"meanVolume"`
}

// IndicatorSet carries standard technical indicators over the returned
// series.
type IndicatorSet struct {
	RSI14       *float64                 `json:"rsi14"`
	EMA20       *float64                 `json:"ema20"`
	SMA50       *float64                 `json:"sma50"`
	Bollinger20 *formulas.BollingerBands `json:"bollinger20"`
}

// ReadResponse is the body of a successful chart read.
type ReadResponse struct {
	Symbol      string        `json:"symbol"`
	Timeframe   string        `json:"timeframe"`
	Bars        []ChartBar    `json:"bars"`
	Metadata    Metadata      `json:"metadata"`
	DataQuality DataQuality   `json:"dataQuality"`
	Refresh     RefreshStatus `json:"refresh"`
	MLSummary   *MLSummary    `json:"mlSummary,omitempty"`
	Indicators  *IndicatorSet `json:"indicators,omitempty"`
}

// Read serves a chart read: bars in [now - days, now] from the store,
// freshness metadata, and a refresh enqueue for whatever the coverage
// ledger reports missing. Cached responses skip the refresh; the cache TTL
// bounds how long a stale read can go without re-triggering one.
func (s *Service) Read(req ReadRequest) (*ReadResponse, error) {
	symbol := symbols.Normalize(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol must not be empty", ErrInvalidRequest)
	}
	tf, err := domain.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	days := req.Days
	if days <= 0 {
		days = defaultDays
	}
	if days > maxDays {
		days = maxDays
	}

	now := s.clk.NowUTC()
	cacheKey := fmt.Sprintf("%s:%s:%d:%t", symbol, tf, days, req.IncludeMLData)

	if s.cache != nil {
		var cached ReadResponse
		hit, err := s.cache.GetFresh(cacheNamespace, cacheKey, &cached)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Chart cache read failed")
		} else if hit {
			cached.Refresh = RefreshStatus{EnqueuedTimeframes: []string{}}
			return &cached, nil
		}
	}

	from := now.AddDate(0, 0, -days)
	rows, err := s.store.ReadChart(symbol, tf, from, now, maxChartBars, req.IncludeMLData)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart for %s %s: %w", symbol, tf, err)
	}

	chartBars := make([]ChartBar, 0, len(rows))
	var closes []float64
	var volumes []float64
	for _, b := range rows {
		chartBars = append(chartBars, toChartBar(b))
		if !b.IsForecast {
			closes = append(closes, b.Close)
			volumes = append(volumes, float64(b.Volume))
		}
	}

	quality, err := s.dataQuality(symbol, tf, len(closes), now)
	if err != nil {
		return nil, err
	}

	resp := &ReadResponse{
		Symbol:    symbol,
		Timeframe: string(tf),
		Bars:      chartBars,
		Metadata: Metadata{
			TotalBars:     len(chartBars),
			RequestedDays: days,
			MaxBars:       maxChartBars,
		},
		DataQuality: quality,
		Refresh:     s.refresh(symbol, tf, days, now),
	}

	if req.IncludeMLData {
		resp.MLSummary = buildMLSummary(closes, volumes)
		resp.Indicators = buildIndicators(closes)
	}

	if s.cache != nil {
		if err := s.cache.Put(cacheNamespace, cacheKey, resp, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Chart cache write failed")
		}
	}

	s.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", len(chartBars)).
		Bool("stale", quality.IsStale).
		Int("refresh_slices", resp.Refresh.InsertedSlices).
		Msg("Chart read served")

	return resp, nil
}

// dataQuality derives the freshness block from the store boundaries.
// Staleness compares the newest bar's age against a per-timeframe limit,
// stretched by the overnight allowance while the market is closed.
func (s *Service) dataQuality(symbol string, tf domain.Timeframe, barCount int, now time.Time) (DataQuality, error) {
	q := DataQuality{
		IsStale:         true,
		BarCount:        barCount,
		SufficientForML: barCount >= minMLBars,
	}

	newest, err := s.store.NewestBarTS(symbol, tf)
	if err != nil {
		return q, fmt.Errorf("failed to read newest bar for %s %s: %w", symbol, tf, err)
	}
	if newest == nil {
		return q, nil
	}

	age := now.Sub(*newest)
	hours := age.Hours()
	q.DataAgeHours = &hours
	q.HasRecentData = age <= recentDataWindow

	limit := staleAfter(tf)
	if !s.clk.IsMarketHours(now) {
		limit += overnightAllowance
	}
	q.IsStale = age > limit

	oldest, err := s.store.OldestBarTS(symbol, tf)
	if err != nil {
		return q, fmt.Errorf("failed to read oldest bar for %s %s: %w", symbol, tf, err)
	}
	if oldest != nil {
		depth := now.Sub(*oldest).Hours() / 24
		q.HistoricalDepthDays = &depth
	}

	return q, nil
}

// refresh registers (or widens) the definition backing this read and
// enqueues slices for the window's coverage gaps. A definition created by a
// chart read carries chart-view priority; an existing definition keeps its
// stronger priority and window.
func (s *Service) refresh(symbol string, tf domain.Timeframe, days int, now time.Time) RefreshStatus {
	st := RefreshStatus{Attempted: true, EnqueuedTimeframes: []string{}}
	kind := domain.KindForTimeframe(tf)

	def, err := s.catalog.Get(symbol, tf, kind)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if def == nil || !def.Enabled || def.WindowDays < days {
		want := domain.JobDefinition{
			Symbol:     symbol,
			Timeframe:  tf,
			Kind:       kind,
			WindowDays: days,
			Priority:   domain.PriorityChartView,
		}
		if def != nil {
			if def.WindowDays > want.WindowDays {
				want.WindowDays = def.WindowDays
			}
			if def.Priority > want.Priority {
				want.Priority = def.Priority
			}
		}
		def, err = s.catalog.UpsertDefinition(want)
		if err != nil {
			st.Error = err.Error()
			return st
		}
		s.log.Info().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Int("window_days", def.WindowDays).
			Msg("Chart read registered job definition")
	}

	gaps, err := s.ledger.Gaps(symbol, tf, def.WindowDays)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	end := s.clk.AlignSliceEnd(now, tf)
	inserted, err := s.queue.EnqueueSlices(*def, orchestrator.SliceGaps(gaps, tf, end), domain.TriggerChartRead)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	st.InsertedSlices = inserted
	if inserted > 0 {
		st.EnqueuedTimeframes = append(st.EnqueuedTimeframes, string(tf))
	}
	return st
}

func buildMLSummary(closes, volumes []float64) *MLSummary {
	returns := formulas.CalculateReturns(closes)
	vol := formulas.AnnualizedVolatility(returns)
	summary := &MLSummary{
		TrendSlope: formulas.TrendSlope(closes),
		Momentum:   formulas.Momentum(closes, 10),
		RSI14:      formulas.CalculateRSI(closes, 14),
		MeanClose:  formulas.Mean(closes),
		MeanVolume: formulas.Mean(volumes),
	}
	if len(returns) > 1 {
		summary.AnnualizedVolatility = &vol
	}
	return summary
}

func buildIndicators(closes []float64) *IndicatorSet {
	return &IndicatorSet{
		RSI14:       formulas.CalculateRSI(closes, 14),
		EMA20:       formulas.CalculateEMA(closes, 20),
		SMA50:       formulas.CalculateSMA(closes, 50),
		Bollinger20: formulas.CalculateBollingerBands(closes, 20, 2),
	}
}

// TimeframeHealth is one row of the chart-health report.
type TimeframeHealth struct {
	Timeframe  string   `json:"timeframe"`
	NewestTS   *string  `json:"newest_ts"`
	AgeSeconds *float64 `json:"age_seconds"`
}

// HealthResponse is the body of GET /chart-health.
type HealthResponse struct {
	Symbol     string            `json:"symbol"`
	Timeframes []TimeframeHealth `json:"timeframes"`
}

// Health reports the newest stored bar and its age for every timeframe of
// a symbol. Timeframes with no bars report null timestamps.
func (s *Service) Health(symbol string) (*HealthResponse, error) {
	symbol = symbols.Normalize(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol must not be empty", ErrInvalidRequest)
	}

	now := s.clk.NowUTC()
	resp := &HealthResponse{Symbol: symbol, Timeframes: make([]TimeframeHealth, 0, len(domain.AllTimeframes))}

	for _, tf := range domain.AllTimeframes {
		row := TimeframeHealth{Timeframe: string(tf)}
		newest, err := s.store.NewestBarTS(symbol, tf)
		if err != nil {
			return nil, fmt.Errorf("failed to read newest bar for %s %s: %w", symbol, tf, err)
		}
		if newest != nil {
			ts := formatTS(*newest)
			age := now.Sub(*newest).Seconds()
			row.NewestTS = &ts
			row.AgeSeconds = &age
		}
		resp.Timeframes = append(resp.Timeframes, row)
	}

	return resp, nil
}

func toChartBar(b domain.Bar) ChartBar {
	return ChartBar{
		TS:              formatTS(b.TS),
		Open:            b.Open,
		High:            b.High,
		Low:             b.Low,
		Close:           b.Close,
		Volume:          b.Volume,
		IsForecast:      b.IsForecast,
		UpperBand:       b.UpperBand,
		LowerBand:       b.LowerBand,
		ConfidenceScore: b.ConfidenceScore,
	}
}

func formatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
