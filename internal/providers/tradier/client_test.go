package tradier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/providers"
)

// 2026-08-21 14:00–16:00 UTC, a Friday during US market hours.
var (
	from = time.Date(2026, 8, 21, 14, 0, 0, 0, time.UTC)
	to   = time.Date(2026, 8, 21, 16, 0, 0, 0, time.UTC)
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient("test-key", zerolog.Nop())
	client.baseURL = server.URL
	return client, server
}

func TestFetchBarsSuccess(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/markets/timesales", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15min", r.URL.Query().Get("interval"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"series": {"data": [
			{"time": "2026-08-21T10:00:00", "timestamp": %d, "open": 231.1, "high": 232.5, "low": 230.9, "close": 231.9, "volume": 51234},
			{"time": "2026-08-21T10:15:00", "timestamp": %d, "open": 232.0, "high": 232.8, "low": 231.7, "close": 232.4, "volume": 42000}
		]}}`, from.Unix(), from.Add(15*time.Minute).Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, from, bars[0].TS)
	assert.Equal(t, domain.ProviderTradier, bars[0].Provider)
	assert.Equal(t, domain.TimeframeM15, bars[0].Timeframe)
	assert.Equal(t, 231.1, bars[0].Open)
	assert.True(t, bars[0].IsIntraday)
	assert.Equal(t, domain.DataLive, bars[0].DataStatus)
}

func TestFetchBarsRollsUpHourly(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		// The wire interval stays 15min even for coarser requests.
		assert.Equal(t, "15min", r.URL.Query().Get("interval"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"series": {"data": [
			{"timestamp": %d, "open": 10.0, "high": 10.5, "low": 9.9, "close": 10.2, "volume": 100},
			{"timestamp": %d, "open": 10.2, "high": 10.6, "low": 10.0, "close": 10.4, "volume": 200},
			{"timestamp": %d, "open": 10.4, "high": 10.9, "low": 10.3, "close": 10.7, "volume": 300},
			{"timestamp": %d, "open": 10.7, "high": 11.2, "low": 10.6, "close": 11.0, "volume": 400}
		]}}`, from.Unix(), from.Add(15*time.Minute).Unix(), from.Add(30*time.Minute).Unix(), from.Add(45*time.Minute).Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeH1, From: from, To: from.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, bars, 1)

	bar := bars[0]
	assert.Equal(t, domain.TimeframeH1, bar.Timeframe)
	assert.Equal(t, from, bar.TS)
	assert.Equal(t, 10.0, bar.Open)
	assert.Equal(t, 11.2, bar.High)
	assert.Equal(t, 9.9, bar.Low)
	assert.Equal(t, 11.0, bar.Close)
	assert.Equal(t, int64(1000), bar.Volume)
}

func TestFetchBarsSingleObjectQuirk(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"series": {"data": {"timestamp": %d, "open": 231.1, "high": 232.5, "low": 230.9, "close": 231.9, "volume": 51234}}}`, from.Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15, From: from, To: to,
	})
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestFetchBarsNullSeriesIsNotFound(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"series": null}`)
	})
	defer server.Close()

	_, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "NOPE", Timeframe: domain.TimeframeM15, From: from, To: to,
	})
	assert.True(t, providers.IsNotFound(err))
}

func TestFetchBarsRejectsHistoricalTimeframes(t *testing.T) {
	client := NewClient("k", zerolog.Nop())

	for _, tf := range []domain.Timeframe{domain.TimeframeD1, domain.TimeframeW1} {
		_, err := client.FetchBars(context.Background(), providers.Request{
			Symbol: "AAPL", Timeframe: tf, From: from, To: to,
		})

		var br *providers.BadRequestError
		assert.True(t, errors.As(err, &br), "timeframe %s must be rejected", tf)
	}
}
