// Package providers defines the market-data adapter contract, the shared
// error taxonomy, and the router that walks adapters in priority order.
package providers

import (
	"context"
	"time"

	"github.com/barwatch/barwatch/internal/domain"
)

// RequestTimeout bounds every provider HTTP call. Kept just under 30s so a
// slow provider cannot hold a worker for a full stuck-detection interval.
const RequestTimeout = 29 * time.Second

// Request identifies one slice of bars to retrieve.
type Request struct {
	Symbol    string
	Timeframe domain.Timeframe
	From      time.Time
	To        time.Time
}

// Adapter fetches bars from one upstream provider. Implementations return
// bars with Provider set, prices rounded to 4 decimals, timestamps in UTC
// and same-day rows flagged intraday, and surface failures through the
// taxonomy in errors.go.
type Adapter interface {
	Name() domain.Provider
	FetchBars(ctx context.Context, req Request) ([]domain.Bar, error)
}

// TokenSource grants fetch permission per provider. Satisfied by
// ratelimit.Limiter; the router consults it before each adapter attempt.
type TokenSource interface {
	Take(provider string, cost float64) (bool, error)
}
