package metrics

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter: at most one event passes per
// interval. Events inside a closed window are meant to be discarded by the
// caller, never queued.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	windowAt time.Time
}

// NewLimiter builds a limiter with the given window size.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Allow reports whether an event at now may pass, opening a new window when
// it does. The first event always passes.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.windowAt.IsZero() && now.Sub(l.windowAt) < l.interval {
		return false
	}
	l.windowAt = now
	return true
}
