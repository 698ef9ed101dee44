// Package alpaca provides a client for the Alpaca Market Data API v2.
package alpaca

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
	defaultBaseURL = "https://data.alpaca.markets"
	// Free tier allows 200 requests/minute; pace a little under it.
	defaultPace = 3
	pageLimit   = 10000
	// Pagination guard: 10 pages of 10000 bars covers two years of m15.
	maxPages = 10
)

var timeframes = map[domain.Timeframe]string{
	domain.TimeframeM15: "15Min",
	domain.TimeframeH1:  "1Hour",
	domain.TimeframeH4:  "4Hour",
	domain.TimeframeD1:  "1Day",
	domain.TimeframeW1:  "1Week",
}

// Client for the Alpaca Market Data API.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	pace      *rate.Limiter
	clk       clock.Clock
	log       zerolog.Logger
}

// NewClient creates a new Alpaca data client.
func NewClient(apiKey, apiSecret string, clk clock.Clock, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   defaultBaseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: providers.RequestTimeout},
		pace:      rate.NewLimiter(rate.Limit(defaultPace), defaultPace),
		clk:       clk,
		log:       log.With().Str("client", "alpaca").Logger(),
	}
}

// Name returns the provider identity for routing and bar provenance.
func (c *Client) Name() domain.Provider {
	return domain.ProviderAlpaca
}

type barResponse struct {
	Bars          []barJSON `json:"bars"`
	Symbol        string    `json:"symbol"`
	NextPageToken *string   `json:"next_page_token"`
}

type barJSON struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V int64     `json:"v"`
}

// FetchBars retrieves bars for the request window, following pagination.
func (c *Client) FetchBars(ctx context.Context, req providers.Request) ([]domain.Bar, error) {
	tf, ok := timeframes[req.Timeframe]
	if !ok {
		return nil, &providers.BadRequestError{Provider: "alpaca", Msg: fmt.Sprintf("unsupported timeframe %q", req.Timeframe)}
	}

	var out []domain.Bar
	pageToken := ""

	// Bars dated today (UTC) are still accumulating; they carry the
	// intraday flag, completed days do not.
	today := c.clk.NowUTC().Truncate(24 * time.Hour)

	for page := 0; page < maxPages; page++ {
		if err := c.pace.Wait(ctx); err != nil {
			return nil, providers.ClassifyNetwork("alpaca", err)
		}

		body, err := c.fetchPage(ctx, req, tf, pageToken)
		if err != nil {
			return nil, err
		}

		for _, b := range body.Bars {
			out = append(out, domain.Bar{
				Symbol:     req.Symbol,
				Timeframe:  req.Timeframe,
				TS:         b.T.UTC(),
				Open:       domain.RoundPrice(b.O),
				High:       domain.RoundPrice(b.H),
				Low:        domain.RoundPrice(b.L),
				Close:      domain.RoundPrice(b.C),
				Volume:     b.V,
				Provider:   domain.ProviderAlpaca,
				IsIntraday: !b.T.Before(today),
			})
		}

		if body.NextPageToken == nil || *body.NextPageToken == "" {
			break
		}
		pageToken = *body.NextPageToken
	}

	if len(out) == 0 {
		return nil, &providers.NotFoundError{Provider: "alpaca", Symbol: req.Symbol}
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("timeframe", tf).
		Int("bars", len(out)).
		Msg("Fetched bars")

	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, req providers.Request, tf, pageToken string) (*barResponse, error) {
	params := url.Values{}
	params.Set("timeframe", tf)
	params.Set("start", req.From.UTC().Format(time.RFC3339))
	params.Set("end", req.To.UTC().Format(time.RFC3339))
	params.Set("limit", fmt.Sprintf("%d", pageLimit))
	params.Set("adjustment", "raw")
	params.Set("feed", "iex")
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	reqURL := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.baseURL, url.PathEscape(req.Symbol), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("APCA-API-KEY-ID", c.apiKey)
	httpReq.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyNetwork("alpaca", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.ClassifyStatus("alpaca", resp)
	}

	var body barResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &providers.PermanentError{Provider: "alpaca", Msg: fmt.Sprintf("failed to decode response: %v", err)}
	}

	return &body, nil
}
