package dispatch

import (
	"sync"
	"time"
)

// SessionLimiter caps dispatch to each session at a configured number of
// messages per minute. Token buckets are refilled lazily from elapsed time,
// so the cap is independent of worker-pool size.
type SessionLimiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[int64]*bucket
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewSessionLimiter creates a limiter. A non-positive rate disables limiting.
func NewSessionLimiter(perMinute int) *SessionLimiter {
	return &SessionLimiter{
		perMinute: perMinute,
		buckets:   make(map[int64]*bucket),
		now:       time.Now,
	}
}

// SetClock overrides the limiter's clock, for tests.
func (l *SessionLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow consumes one token for the session if available.
func (l *SessionLimiter) Allow(sessionID int64) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[sessionID]
	if !ok {
		b = &bucket{tokens: float64(l.perMinute), last: now}
		l.buckets[sessionID] = b
	}

	refill := now.Sub(b.last).Minutes() * float64(l.perMinute)
	b.tokens += refill
	if b.tokens > float64(l.perMinute) {
		b.tokens = float64(l.perMinute)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
