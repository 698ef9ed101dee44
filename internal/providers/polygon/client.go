// Package polygon provides a client for the Polygon.io aggregates API.
package polygon

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
	defaultBaseURL = "https://api.polygon.io"
	resultLimit    = 50000
)

// spans maps each timeframe to Polygon's multiplier/timespan pair.
var spans = map[domain.Timeframe]struct {
	mult int
	span string
}{
	domain.TimeframeM15: {15, "minute"},
	domain.TimeframeH1:  {1, "hour"},
	domain.TimeframeH4:  {4, "hour"},
	domain.TimeframeD1:  {1, "day"},
	domain.TimeframeW1:  {1, "week"},
}

// Client for the Polygon.io REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	pace    *rate.Limiter
	clk     clock.Clock
	log     zerolog.Logger
}

// NewClient creates a new Polygon client. The free tier allows 5
// requests/minute; the local pacer mirrors that with a burst of 5 so the
// durable bucket, not the pacer, is the effective limit.
func NewClient(apiKey string, clk clock.Clock, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providers.RequestTimeout},
		pace:    rate.NewLimiter(rate.Limit(5.0/60.0), 5),
		clk:     clk,
		log:     log.With().Str("client", "polygon").Logger(),
	}
}

// Name returns the provider identity for routing and bar provenance.
func (c *Client) Name() domain.Provider {
	return domain.ProviderPolygon
}

type aggsResponse struct {
	Ticker       string       `json:"ticker"`
	QueryCount   int          `json:"queryCount"`
	ResultsCount int          `json:"resultsCount"`
	Status       string       `json:"status"`
	Results      []aggsResult `json:"results"`
}

type aggsResult struct {
	T int64   `json:"t"` // bucket start, unix milliseconds
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"` // Polygon reports volume as float
}

// FetchBars retrieves aggregates for the request window.
func (c *Client) FetchBars(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
	span, ok := spans[req.Timeframe]
	if !ok {
		return nil, &providers.BadRequestError{Provider: "polygon", Msg: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}

	if err := c.pace.Wait(ctx); err != nil {
		return nil, providers.ClassifyNetwork("polygon", err)
	}

	params := url.Values{}
	params.Set("adjusted", "true")
	params.Set("sort", "asc")
	params.Set("limit", fmt.Sprintf("%d", resultLimit))
	params.Set("apiKey", c.apiKey)

	reqURL := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d?%s",
		c.baseURL, url.PathEscape(req.Symbol), span.mult, span.span,
		req.From.UTC().UnixMilli(), req.To.UTC().UnixMilli(), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyNetwork("polygon", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyStatus("polygon", resp)
	}

	var body aggsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &providers.PermanentError{Provider: "polygon", Msg: fmt.Sprintf("failed to decode response: %v", err)}
	}

	if body.Status == "ERROR" {
		return nil, &providers.TransientError{Provider: "polygon", Msg: "provider reported error status"}
	}
	if len(body.Results) == 0 {
		return nil, &providers.NotFoundError{Provider: "polygon", Symbol: req.Symbol}
	}

	// Same-day buckets are still accumulating and carry the intraday flag.
	today := c.clk.NowUTC().Truncate(24 * time.Hour)

	out := make([]domain.Bar, 0, len(body.Results))
	for _, r := range body.Results {
		ts := time.UnixMilli(r.T).UTC()
		out = append(out, domain.Bar{
			Symbol:     req.Symbol,
			Timeframe:  req.Timeframe,
			TS:         ts,
			Open:       domain.RoundPrice(r.O),
			High:       domain.RoundPrice(r.H),
			Low:        domain.RoundPrice(r.L),
			Close:      domain.RoundPrice(r.C),
			Volume:     int64(r.V),
			Provider:   domain.ProviderPolygon,
			IsIntraday: !ts.Before(today),
		})
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("timespan", fmt.Sprintf("%d/%s", span.mult, span.span)).
		Int("bars", len(out)).
		Msg("Fetched aggregates")

	return out, nil
}
