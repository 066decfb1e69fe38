// Package focus detects focused work from the rate of user activity.
package focus

import (
	"sync"
	"time"
)

// Tracker reports focus mode when at least threshold activities fall inside
// a sliding window ending now.
type Tracker struct {
	window    time.Duration
	threshold int

	mu     sync.Mutex
	events []time.Time
	active bool
	since  time.Time
}

// NewTracker creates a tracker. A threshold below 1 is treated as 1.
func NewTracker(window time.Duration, threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{window: window, threshold: threshold}
}

// Record notes one activity at the given time.
func (t *Tracker) Record(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, at)
	t.prune(at)
}

// Active reports whether focus mode holds at now. It does not change the
// tracked state; use Update to observe transitions.
func (t *Tracker) Active(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count(now) >= t.threshold
}

// Update evaluates focus at now and reports whether the state changed since
// the previous call.
func (t *Tracker) Update(now time.Time) (active, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	active = t.count(now) >= t.threshold
	changed = active != t.active
	if changed && active {
		t.since = now
	}
	t.active = active
	return active, changed
}

// Since returns when the ongoing focus period began, as of the last Update.
func (t *Tracker) Since() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return time.Time{}, false
	}
	return t.since, true
}

func (t *Tracker) count(now time.Time) int {
	cutoff := now.Add(-t.window)
	n := 0
	for _, at := range t.events {
		if at.After(cutoff) && !at.After(now) {
			n++
		}
	}
	return n
}

// prune drops events that can no longer fall inside any window ending at or
// after now.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.events) && !t.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
