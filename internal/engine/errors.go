package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrBudgetExhausted is returned once the invocation has used up its
	// outbound call budget.
	ErrBudgetExhausted = errors.New("engine: call budget exhausted")
	// ErrUnparsable is returned when a model response is not the requested JSON.
	ErrUnparsable = errors.New("engine: unparsable model output")
)

// StepError wraps an error with the enrichment step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// APIError is a non-200 response from a model provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	// RetryAfter is the delay requested by the provider, zero if none.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports whether the provider asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether the request may succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.RateLimited() || e.StatusCode >= http.StatusInternalServerError
}

// parseRetryAfter reads a Retry-After header given either in seconds or as an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
