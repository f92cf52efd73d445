package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, RateLimitDelay: time.Millisecond}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		hint  time.Duration
	}{
		{"server error", &APIError{StatusCode: 502}, ClassTransient, 0},
		{"rate limit", &APIError{StatusCode: 429, RetryAfter: 3 * time.Second}, ClassRateLimited, 3 * time.Second},
		{"bad request", &APIError{StatusCode: 400}, ClassPermanent, 0},
		{"network", fmt.Errorf("openai: %w", timeoutErr{}), ClassTransient, 0},
		{"deadline", context.DeadlineExceeded, ClassTransient, 0},
		{"budget", fmt.Errorf("x: %w", ErrBudgetExhausted), ClassPermanent, 0},
		{"unparsable", ErrUnparsable, ClassPermanent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, hint := Classify(tt.err)
			if class != tt.class || hint != tt.hint {
				t.Errorf("Classify = %v/%v, want %v/%v", class, hint, tt.class, tt.hint)
			}
		})
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &APIError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	attempts := 0
	want := &APIError{StatusCode: http.StatusUnauthorized}
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return &APIError{StatusCode: http.StatusTooManyRequests}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_HonoursRetryAfter(t *testing.T) {
	p := fastPolicy()
	p.MaxDelay = time.Second
	var stamps []time.Time
	Retry(context.Background(), p, func(context.Context) error {
		stamps = append(stamps, time.Now())
		if len(stamps) == 1 {
			return &APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	if len(stamps) != 2 {
		t.Fatalf("attempts = %d, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 50*time.Millisecond {
		t.Errorf("second attempt after %v, want >= 50ms", gap)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	attempts := 0
	err := Retry(ctx, p, func(context.Context) error {
		attempts++
		cancel()
		return &APIError{StatusCode: http.StatusBadGateway}
	})
	if err == nil || attempts != 1 {
		t.Errorf("err = %v attempts = %d, want error after 1 attempt", err, attempts)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-1", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCallBudget(t *testing.T) {
	b := NewCallBudget(2)
	ctx := WithBudget(context.Background(), b)
	if BudgetFrom(ctx) != b {
		t.Fatal("BudgetFrom did not return the attached budget")
	}
	for i := 0; i < 2; i++ {
		if err := b.Take(); err != nil {
			t.Fatalf("Take %d: %v", i, err)
		}
	}
	if err := b.Take(); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("Take over budget = %v, want ErrBudgetExhausted", err)
	}
	if b.Used() != 2 || b.Remaining() != 0 {
		t.Errorf("Used/Remaining = %d/%d, want 2/0", b.Used(), b.Remaining())
	}

	var unlimited *CallBudget
	if err := unlimited.Take(); err != nil {
		t.Errorf("nil budget Take = %v", err)
	}
	if BudgetFrom(context.Background()) != nil {
		t.Error("BudgetFrom on bare context should be nil")
	}
}

func TestStepError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	se := &StepError{Step: "extract", Err: inner}

	if se.Error() != "extract: root cause" {
		t.Errorf("Error() = %q", se.Error())
	}
	if !errors.Is(se, inner) {
		t.Error("Unwrap should make inner error accessible via errors.Is")
	}
}
