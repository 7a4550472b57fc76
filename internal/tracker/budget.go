package tracker

import (
	"sync"
	"time"
)

// BudgetSnapshot is the rate-budget state reported by the provider on a
// single response. Known is false when the response carried no budget
// headers.
type BudgetSnapshot struct {
	Remaining int
	ResetAt   time.Time
	Known     bool
}

// Budget tracks the remaining provider calls for the current window. It is
// the only cross-call mutable state shared within a run; the provider's own
// reporting is authoritative and reconciled in via Observe.
type Budget struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool
}

// NewBudget returns an empty budget; until the first Observe it reports
// nothing as exhausted.
func NewBudget() *Budget {
	return &Budget{}
}

// Observe reconciles an adapter-reported snapshot into the budget. A later
// reset time starts a new window; within the same window the lowest reported
// remaining wins, since responses may arrive out of order.
func (b *Budget) Observe(s BudgetSnapshot) {
	if !s.Known {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.known || s.ResetAt.After(b.resetAt) {
		b.remaining = s.Remaining
		b.resetAt = s.ResetAt
		b.known = true
		return
	}
	if s.ResetAt.Equal(b.resetAt) && s.Remaining < b.remaining {
		b.remaining = s.Remaining
	}
}

// Snapshot returns the current budget state.
func (b *Budget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BudgetSnapshot{Remaining: b.remaining, ResetAt: b.resetAt, Known: b.known}
}

// Exhausted reports whether the window has no calls left, along with the
// reset time to wait for. A rolled-over window is never exhausted.
func (b *Budget) Exhausted(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known || b.remaining > 0 || now.After(b.resetAt) {
		return false, time.Time{}
	}
	return true, b.resetAt
}
