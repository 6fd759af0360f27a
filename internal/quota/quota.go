// Package quota tracks the remote API's remaining request budget.
//
// The tracker is a plain shared handle, injected into the executor and the
// backoff scheduler at construction so tests can substitute a deterministic
// clock. It always reflects the most recently observed response metadata;
// there is no averaging or prediction.
package quota

import (
	"sync"
	"time"
)

// Tracker holds the last observed rate-limit state. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	observed  bool
	lowWater  int

	now func() time.Time
}

// NewTracker creates a tracker with the given low-water mark. Before the
// first Observe call the tracker reports an unknown (non-exhausted) state.
func NewTracker(lowWater int) *Tracker {
	return &Tracker{
		lowWater: lowWater,
		now:      time.Now,
	}
}

// NewTrackerAt is like NewTracker with an injected clock, for tests.
func NewTrackerAt(lowWater int, now func() time.Time) *Tracker {
	t := NewTracker(lowWater)
	t.now = now
	return t
}

// Observe records the rate-limit metadata from the most recent response.
// Last write wins; negative values clamp to zero.
func (t *Tracker) Observe(remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	t.resetAt = resetAt
	t.observed = true
}

// Remaining returns the last observed remaining budget, or -1 if no response
// has been observed yet.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.observed {
		return -1
	}
	return t.remaining
}

// ResetAt returns the time at which the budget replenishes.
func (t *Tracker) ResetAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetAt
}

// Exhausted reports whether the budget is spent and has not yet reset.
// While true, no remote requests may be issued.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed && t.remaining == 0 && t.now().Before(t.resetAt)
}

// BelowLowWater reports whether the remaining budget has dropped under the
// configured low-water mark, signaling callers to throttle proactively.
func (t *Tracker) BelowLowWater() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed && t.remaining <= t.lowWater
}
