package engine

import (
	"context"
	"sync"
)

// CallBudget caps the number of outbound calls one invocation may make. A nil
// budget is unlimited.
type CallBudget struct {
	mu        sync.Mutex
	remaining int
	used      int
}

// NewCallBudget returns a budget allowing n calls.
func NewCallBudget(n int) *CallBudget {
	return &CallBudget{remaining: n}
}

// Take consumes one call or returns ErrBudgetExhausted.
func (b *CallBudget) Take() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return ErrBudgetExhausted
	}
	b.remaining--
	b.used++
	return nil
}

// Remaining returns the number of calls left. Unlimited budgets report -1.
func (b *CallBudget) Remaining() int {
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Used returns how many calls were taken.
func (b *CallBudget) Used() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

type budgetKey struct{}

// WithBudget returns a context carrying b.
func WithBudget(ctx context.Context, b *CallBudget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom returns the budget carried by ctx, or nil.
func BudgetFrom(ctx context.Context) *CallBudget {
	b, _ := ctx.Value(budgetKey{}).(*CallBudget)
	return b
}
