// Package yfinance provides a client for the Yahoo Finance chart API. The
// endpoint is unauthenticated; it serves as the historical fallback when
// Alpaca and Polygon are unavailable.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/providers"
)

const (
	defaultBaseURL = "https://query1.finance.yahoo.com"
	// Yahoo rejects Go's default user agent.
	userAgent = "Mozilla/5.0 (compatible; barwatch/1.0)"
)

// intervals maps timeframes to Yahoo chart intervals. h4 has no native
// interval and is rolled up from hourly bars.
var intervals = map[domain.Timeframe]string{
	domain.TimeframeM15: "15m",
	domain.TimeframeH1:  "1h",
	domain.TimeframeH4:  "1h",
	domain.TimeframeD1:  "1d",
	domain.TimeframeW1:  "1wk",
}

// Client for the Yahoo Finance chart API.
type Client struct {
	baseURL string
	client  *http.Client
	pace    *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
}

// NewClient creates a new Yahoo Finance client.
func NewClient(clk clock.Clock, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.RequestTimeout},
		pace:    rate.NewLimiter(rate.Limit(5), 10),
		clk:     clk,
		log:     log.With().Str("client", "yfinance").Logger(),
	}
}

// Name returns the provider identity for routing and bar provenance.
func (c *Client) Name() domain.Provider {
	return domain.ProviderYFinance
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []quoteBlock `json:"quote"`
	} `json:"indicators"`
}

// quoteBlock carries parallel arrays; Yahoo pads missing buckets with null,
// hence the pointer elements.
type quoteBlock struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}

// FetchBars retrieves bars for the request window.
func (c *Client) FetchBars(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
	interval, ok := intervals[req.Timeframe]
	if !ok {
		return nil, &providers.BadRequestError{Provider: "yfinance", Msg: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}

	if err := c.pace.Wait(ctx); err != nil {
		return nil, providers.ClassifyNetwork("yfinance", err)
	}

	params := url.Values{}
	params.Set("period1", fmt.Sprintf("%d", req.From.UTC().Unix()))
	params.Set("period2", fmt.Sprintf("%d", req.To.UTC().Unix()))
	params.Set("interval", interval)
	params.Set("includePrePost", "false")
	params.Set("events", "div,split")

	reqURL := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(req.Symbol), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyNetwork("yfinance", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyStatus("yfinance", resp)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &providers.PermanentError{Provider: "yfinance", Msg: fmt.Sprintf("failed to decode response: %v", err)}
	}

	if body.Chart.Error != nil {
		if body.Chart.Error.Code == "Not Found" {
			return nil, &providers.NotFoundError{Provider: "yfinance", Symbol: req.Symbol}
		}
		return nil, &providers.TransientError{Provider: "yfinance", Msg: body.Chart.Error.Description}
	}
	if len(body.Chart.Result) == 0 {
		return nil, &providers.NotFoundError{Provider: "yfinance", Symbol: req.Symbol}
	}

	bars := convertResult(req.Symbol, req.Timeframe, body.Chart.Result[0], c.clk.NowUTC())
	if len(bars) == 0 {
		return nil, &providers.NotFoundError{Provider: "yfinance", Symbol: req.Symbol}
	}

	if req.Timeframe == domain.TimeframeH4 {
		bars = providers.RollUp(bars, domain.TimeframeH4)
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("interval", interval).
		Int("bars", len(bars)).
		Msg("Fetched chart")

	return bars, nil
}

// convertResult flattens Yahoo's parallel arrays, skipping null-padded
// buckets.
func convertResult(symbol string, tf domain.Timeframe, result chartResult, now time.Time) []domain.Bar {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	quote := result.Indicators.Quote[0]

	sourceTF := tf
	if tf == domain.TimeframeH4 {
		sourceTF = domain.TimeframeH1
	}

	// Yahoo includes the in-progress session when the window reaches it;
	// same-day rows carry the intraday flag.
	today := now.UTC().Truncate(24 * time.Hour)

	var out []domain.Bar
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || quote.Open[i] == nil || quote.High[i] == nil ||
			quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		var volume int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}
		barTS := time.Unix(ts, 0).UTC()
		out = append(out, domain.Bar{
			Symbol:     symbol,
			Timeframe:  sourceTF,
			TS:         barTS,
			Open:       domain.RoundPrice(*quote.Open[i]),
			High:       domain.RoundPrice(*quote.High[i]),
			Low:        domain.RoundPrice(*quote.Low[i]),
			Close:      domain.RoundPrice(*quote.Close[i]),
			Volume:     volume,
			Provider:   domain.ProviderYFinance,
			IsIntraday: !barTS.Before(today),
		})
	}

	return out
}
