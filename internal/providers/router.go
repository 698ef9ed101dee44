package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/barwatch/barwatch/internal/domain"
)

// ExhaustedError reports that every candidate provider was tried and none
// produced bars. Always retryable: routing only advances past a provider on
// rate limiting or transient trouble, so the condition is temporary.
type ExhaustedError struct {
	Kind domain.JobKind
	Last error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all providers exhausted for %s, last: %v", e.Kind, e.Last)
	}
	return fmt.Sprintf("all providers exhausted for %s", e.Kind)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Router walks adapters in a fixed priority order per job kind, consuming a
// rate-limiter token before each attempt. It advances to the next provider
// only on rate limiting or transient failure; auth and permanent errors
// abort immediately, and not-found is returned for the worker to record as
// an empty success.
type Router struct {
	intraday   []Adapter
	historical []Adapter
	tokens     TokenSource
	breakers   map[domain.Provider]*gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewRouter builds the router over the given adapter orders. Each distinct
// adapter gets a circuit breaker that trips after 5 consecutive transient
// failures and probes again after a minute; rate limits and not-found
// results never trip it.
func NewRouter(intraday, historical []Adapter, tokens TokenSource, log zerolog.Logger) *Router {
	r := &Router{
		intraday:   intraday,
		historical: historical,
		tokens:     tokens,
		breakers:   make(map[domain.Provider]*gobreaker.CircuitBreaker),
		log:        log.With().Str("component", "provider_router").Logger(),
	}

	for _, adapter := range append(append([]Adapter{}, intraday...), historical...) {
		name := adapter.Name()
		if _, ok := r.breakers[name]; ok {
			continue
		}
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(name),
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var tr *TransientError
				return !errors.As(err, &tr)
			},
		})
	}

	return r
}

// Order returns the provider names the router would try for the kind.
func (r *Router) Order(kind domain.JobKind) []domain.Provider {
	adapters := r.adaptersFor(kind)
	out := make([]domain.Provider, len(adapters))
	for i, a := range adapters {
		out[i] = a.Name()
	}
	return out
}

// Fetch retrieves bars for the request, trying providers in order. Returns
// the bars and the provider that produced them, or the provider whose error
// stopped the routing.
func (r *Router) Fetch(ctx context.Context, kind domain.JobKind, req Request) ([]domain.Bar, domain.Provider, error) {
	adapters := r.adaptersFor(kind)
	if len(adapters) == 0 {
		return nil, "", &PermanentError{Msg: fmt.Sprintf("no providers route kind %q", kind)}
	}

	var last error
	for _, adapter := range adapters {
		name := adapter.Name()

		ok, err := r.tokens.Take(string(name), 1)
		if err != nil {
			return nil, name, fmt.Errorf("failed to take token for %s: %w", name, err)
		}
		if !ok {
			r.log.Debug().Str("provider", string(name)).Msg("No tokens, advancing to next provider")
			last = &RateLimitedError{Provider: string(name)}
			continue
		}

		bars, err := r.execute(ctx, adapter, req)
		if err == nil {
			r.log.Debug().
				Str("provider", string(name)).
				Str("symbol", req.Symbol).
				Str("timeframe", string(req.Timeframe)).
				Int("bars", len(bars)).
				Msg("Fetch succeeded")
			return bars, name, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, name, err
		}
		if !Retryable(err) {
			return nil, name, err
		}

		r.log.Warn().
			Err(err).
			Str("provider", string(name)).
			Str("symbol", req.Symbol).
			Msg("Provider failed, advancing to next")
		last = err
	}

	return nil, "", &ExhaustedError{Kind: kind, Last: last}
}

func (r *Router) execute(ctx context.Context, adapter Adapter, req Request) ([]domain.Bar, error) {
	out, err := r.breakers[adapter.Name()].Execute(func() (interface{}, error) {
		return adapter.FetchBars(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Provider: string(adapter.Name()), Msg: "circuit breaker open"}
		}
		return nil, err
	}

	bars, _ := out.([]domain.Bar)
	return bars, nil
}

func (r *Router) adaptersFor(kind domain.JobKind) []Adapter {
	switch kind {
	case domain.KindFetchIntraday:
		return r.intraday
	case domain.KindFetchHistorical:
		return r.historical
	default:
		return nil
	}
}
