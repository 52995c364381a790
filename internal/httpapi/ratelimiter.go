package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter allows at most limit events inside a sliding time window.
// A zero limit or window disables limiting.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewWindowLimiter constructs a limiter allowing up to limit events per window.
func NewWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *WindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &WindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed and records the event if so.
func (l *WindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, l.now())
	return true
}
