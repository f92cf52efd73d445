package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrorClass groups errors by how they are retried.
type ErrorClass int

const (
	// ClassPermanent errors are returned immediately.
	ClassPermanent ErrorClass = iota
	// ClassTransient covers network failures, timeouts and 5xx responses.
	ClassTransient
	// ClassRateLimited covers 429 responses.
	ClassRateLimited
)

// Classify returns the class of err and, for rate limits, the delay the
// provider asked for.
func Classify(err error) (ErrorClass, time.Duration) {
	if err == nil {
		return ClassPermanent, 0
	}
	if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, context.Canceled) {
		return ClassPermanent, 0
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.RateLimited():
			return ClassRateLimited, ae.RetryAfter
		case ae.Temporary():
			return ClassTransient, 0
		}
		return ClassPermanent, 0
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient, 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient, 0
	}
	return ClassPermanent, 0
}

// Retryable reports whether err is worth another attempt later.
func Retryable(err error) bool {
	c, _ := Classify(err)
	return c != ClassPermanent
}

// Policy bounds the attempts made for one outbound call.
type Policy struct {
	MaxAttempts int
	// BaseDelay doubles after each transient failure.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RateLimitDelay is used for a 429 without a Retry-After hint.
	RateLimitDelay time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       20 * time.Second,
		RateLimitDelay: 5 * time.Second,
	}
}

func (p Policy) delay(attempt int, class ErrorClass, hint time.Duration) time.Duration {
	var d time.Duration
	if class == ClassRateLimited {
		d = hint
		if d <= 0 {
			d = p.RateLimitDelay
		}
	} else {
		d = p.BaseDelay << (attempt - 1)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns a permanent error, or the policy
// runs out of attempts. The last error is returned unchanged.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		class, hint := Classify(err)
		if class == ClassPermanent || attempt == attempts {
			return err
		}
		timer := time.NewTimer(p.delay(attempt, class, hint))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
