package yfinance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/providers"
)

var (
	testNow = time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)
	from    = time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	to      = time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(clock.NewFixed(testNow), zerolog.Nop())
	client.baseURL = server.URL
	return client, server
}

func TestFetchBarsSuccess(t *testing.T) {
	day1 := time.Date(2026, 8, 17, 13, 30, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"chart": {"result": [{
			"timestamp": [%d, %d],
			"indicators": {"quote": [{
				"open":   [231.123456, 232.0],
				"high":   [232.5, 232.8],
				"low":    [230.9, 231.7],
				"close":  [231.9, 232.4],
				"volume": [51234, 42000]
			}]}
		}], "error": null}}`, day1.Unix(), day2.Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeD1, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, day1, bars[0].TS)
	assert.Equal(t, 231.1235, bars[0].Open)
	assert.Equal(t, domain.ProviderYFinance, bars[0].Provider)
}

func TestFetchBarsSkipsNullBuckets(t *testing.T) {
	day1 := time.Date(2026, 8, 17, 13, 30, 0, 0, time.UTC)

	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"chart": {"result": [{
			"timestamp": [%d, %d, %d],
			"indicators": {"quote": [{
				"open":   [231.1, null, 233.0],
				"high":   [232.5, null, 233.5],
				"low":    [230.9, null, 232.8],
				"close":  [231.9, null, 233.2],
				"volume": [51234, null, 40000]
			}]}
		}], "error": null}}`, day1.Unix(), day1.AddDate(0, 0, 1).Unix(), day1.AddDate(0, 0, 2).Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeD1, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 231.9, bars[0].Close)
	assert.Equal(t, 233.2, bars[1].Close)
}

func TestFetchBarsNotFound(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"chart": {"result": null, "error": {"code": "Not Found", "description": "No data found, symbol may be delisted"}}}`)
	})
	defer server.Close()

	_, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "NOPE", Timeframe: domain.TimeframeD1, From: from, To: to,
	})
	assert.True(t, providers.IsNotFound(err))
}

func TestFetchBarsFourHourRollsUpFromHourly(t *testing.T) {
	base := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)

	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		// No native 4h interval: the request goes out as 1h.
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"chart": {"result": [{
			"timestamp": [%d, %d, %d, %d],
			"indicators": {"quote": [{
				"open":   [10.0, 10.2, 10.4, 10.7],
				"high":   [10.5, 10.6, 10.9, 11.2],
				"low":    [9.9, 10.0, 10.3, 10.6],
				"close":  [10.2, 10.4, 10.7, 11.0],
				"volume": [100, 200, 300, 400]
			}]}
		}], "error": null}}`, base.Unix(), base.Add(time.Hour).Unix(), base.Add(2*time.Hour).Unix(), base.Add(3*time.Hour).Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeH4, From: base, To: base.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, bars, 1)

	bar := bars[0]
	assert.Equal(t, domain.TimeframeH4, bar.Timeframe)
	assert.Equal(t, base, bar.TS)
	assert.Equal(t, 10.0, bar.Open)
	assert.Equal(t, 11.2, bar.High)
	assert.Equal(t, 9.9, bar.Low)
	assert.Equal(t, 11.0, bar.Close)
	assert.Equal(t, int64(1000), bar.Volume)
}

func TestFetchBarsFlagsSameDayBarsIntraday(t *testing.T) {
	prior := time.Date(2026, 8, 20, 20, 0, 0, 0, time.UTC)
	sameDay := time.Date(2026, 8, 21, 13, 30, 0, 0, time.UTC)

	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"chart": {"result": [{
			"timestamp": [%d, %d],
			"indicators": {"quote": [{
				"open":   [231.1, 232.0],
				"high":   [232.5, 232.8],
				"low":    [230.9, 231.7],
				"close":  [231.9, 232.4],
				"volume": [51234, 42000]
			}]}
		}], "error": null}}`, prior.Unix(), sameDay.Unix())
	})
	defer server.Close()

	bars, err := client.FetchBars(context.Background(), providers.Request{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15, From: from, To: to,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.False(t, bars[0].IsIntraday, "completed prior-day bar")
	assert.True(t, bars[1].IsIntraday, "bar dated the clock's UTC day is still accumulating")
}
