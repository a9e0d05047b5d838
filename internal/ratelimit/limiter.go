package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a minimum inter-arrival interval between events of the
// same type from the same connection. Events arriving too early are dropped
// by the caller; the limiter itself only answers yes/no.
type Limiter struct {
	fallback  time.Duration
	intervals map[string]time.Duration

	mu       sync.Mutex
	lastSeen map[key]time.Time

	now func() time.Time
}

type key struct {
	connID string
	event  string
}

// New creates a limiter. intervals maps event types to their minimum
// interval; events not listed use fallback.
func New(fallback time.Duration, intervals map[string]time.Duration) *Limiter {
	return &Limiter{
		fallback:  fallback,
		intervals: intervals,
		lastSeen:  make(map[key]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether the event may be processed, recording the arrival
// time when it is.
func (l *Limiter) Allow(connID, event string) bool {
	interval, ok := l.intervals[event]
	if !ok {
		interval = l.fallback
	}
	if interval <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{connID: connID, event: event}
	if last, ok := l.lastSeen[k]; ok && now.Sub(last) < interval {
		return false
	}

	l.lastSeen[k] = now
	return true
}

// Forget drops all state for a connection. Called when the connection closes.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.lastSeen {
		if k.connID == connID {
			delete(l.lastSeen, k)
		}
	}
}
