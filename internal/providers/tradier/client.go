// Package tradier provides a client for the Tradier market-data API. It
// serves same-day bars only: the timesales endpoint is fetched at 15-minute
// granularity and rolled up for coarser intraday timeframes.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/providers"
)

const defaultBaseURL = "https://api.tradier.com"

// eastern is Tradier's wire zone: request and response times are ET.
var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}()

// Client for the Tradier API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	pace    *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a new Tradier client.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providers.RequestTimeout},
		pace:    rate.NewLimiter(rate.Limit(2), 4),
		log:     log.With().Str("client", "tradier").Logger(),
	}
}

// Name returns the provider identity for routing and bar provenance.
func (c *Client) Name() domain.Provider {
	return domain.ProviderTradier
}

type timesalesResponse struct {
	Series *struct {
		Data seriesData `json:"data"`
	} `json:"series"`
}

type timesalesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

// seriesData tolerates Tradier collapsing a single-element array into a
// bare object.
type seriesData []timesalesPoint

func (s *seriesData) UnmarshalJSON(data []byte) error {
	var many []timesalesPoint
	if err := json.Unmarshal(data, &many); err == nil {
		*s = many
		return nil
	}
	var one timesalesPoint
	if err := json.Unmarshal(data, &one); err == nil {
		*s = seriesData{one}
		return nil
	}
	return fmt.Errorf("cannot unmarshal series data")
}

// FetchBars retrieves intraday bars for the request window. Only intraday
// timeframes route here; h1 and h4 are rolled up from the 15-minute feed.
func (c *Client) FetchBars(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
	switch req.Timeframe {
	case domain.TimeframeM15, domain.TimeframeH1, domain.TimeframeH4:
	default:
		return nil, &providers.BadRequestError{Provider: "tradier", Msg: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}

	if err := c.pace.Wait(ctx); err != nil {
		return nil, providers.ClassifyNetwork("tradier", err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", "15min")
	params.Set("start", req.From.In(eastern).Format("2006-01-02T15:04"))
	params.Set("end", req.To.In(eastern).Format("2006-01-02T15:04"))
	params.Set("session_filter", "open")

	reqURL := fmt.Sprintf("%s/v1/markets/timesales?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyNetwork("tradier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyStatus("tradier", resp)
	}

	var body timesalesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &providers.PermanentError{Provider: "tradier", Msg: fmt.Sprintf("failed to decode response: %v", err)}
	}

	if body.Series == nil || len(body.Series.Data) == 0 {
		return nil, &providers.NotFoundError{Provider: "tradier", Symbol: req.Symbol}
	}

	quarters := make([]domain.Bar, 0, len(body.Series.Data))
	for _, p := range body.Series.Data {
		quarters = append(quarters, domain.Bar{
			Symbol:     req.Symbol,
			Timeframe:  domain.TimeframeM15,
			TS:         time.Unix(p.Timestamp, 0).UTC(),
			Open:       domain.RoundPrice(p.Open),
			High:       domain.RoundPrice(p.High),
			Low:        domain.RoundPrice(p.Low),
			Close:      domain.RoundPrice(p.Close),
			Volume:     p.Volume,
			Provider:   domain.ProviderTradier,
			IsIntraday: true,
			DataStatus: domain.DataLive,
		})
	}

	out := quarters
	if req.Timeframe != domain.TimeframeM15 {
		out = providers.RollUp(quarters, req.Timeframe)
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("timeframe", string(req.Timeframe)).
		Int("bars", len(out)).
		Msg("Fetched timesales")

	return out, nil
}
