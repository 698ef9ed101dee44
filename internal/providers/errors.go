package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// The adapter error taxonomy. Workers and the router branch on these types:
// RateLimitedError and TransientError advance routing and permit requeue;
// AuthError, BadRequestError and PermanentError fail the run; NotFoundError
// completes the run as success with zero rows.

// RateLimitedError reports provider throttling, either a 429 or an empty
// local token bucket. RetryAfter is zero when the provider gave no hint.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// AuthError reports rejected credentials (HTTP 401/403).
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected credentials (status %d)", e.Provider, e.Status)
}

// NotFoundError reports an unknown symbol or an empty result set. Not a
// provider failure: the data genuinely does not exist there.
type NotFoundError struct {
	Provider string
	Symbol   string
}

func (e *NotFoundError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("%s returned not found", e.Provider)
	}
	return fmt.Sprintf("%s has no data for %s", e.Provider, e.Symbol)
}

// BadRequestError reports a request the provider refused as malformed.
type BadRequestError struct {
	Provider string
	Status   int
	Msg      string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("%s rejected request (status %d): %s", e.Provider, e.Status, e.Msg)
}

// TransientError reports a retryable failure: 5xx, network trouble, or an
// open circuit breaker.
type TransientError struct {
	Provider string
	Msg      string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient failure: %s", e.Provider, e.Msg)
}

// PermanentError reports an unrecoverable failure such as a response that
// no longer matches the expected schema. Retrying cannot help.
type PermanentError struct {
	Provider string
	Msg      string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s permanent failure: %s", e.Provider, e.Msg)
}

// Retryable reports whether the error permits trying another provider or
// requeueing the run.
func Retryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	var ex *ExhaustedError
	return errors.As(err, &rl) || errors.As(err, &tr) || errors.As(err, &ex)
}

// IsNotFound reports whether the error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ErrorCode maps an adapter error to the code persisted on failed runs.
func ErrorCode(err error) string {
	var (
		rl *RateLimitedError
		au *AuthError
		nf *NotFoundError
		br *BadRequestError
		tr *TransientError
		pe *PermanentError
		ex *ExhaustedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ex):
		return "exhausted"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &au):
		return "auth"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &br):
		return "bad_request"
	case errors.As(err, &tr):
		return "transient"
	case errors.As(err, &pe):
		return "permanent"
	default:
		return "transient"
	}
}

// ClassifyStatus maps a non-2xx HTTP response to the taxonomy. Adapters call
// this after checking resp.StatusCode themselves.
func ClassifyStatus(provider string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Provider: provider, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Provider: provider}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: provider, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{Provider: provider, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &BadRequestError{Provider: provider, Status: resp.StatusCode, Msg: resp.Status}
	default:
		return &TransientError{Provider: provider, Msg: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
}

// ClassifyNetwork maps a transport-level error to the taxonomy. Context
// cancellation passes through untouched so callers can tell shutdown from
// provider trouble.
func ClassifyNetwork(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Provider: provider, Msg: "request deadline exceeded"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Provider: provider, Msg: netErr.Error()}
	}
	return &TransientError{Provider: provider, Msg: err.Error()}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
