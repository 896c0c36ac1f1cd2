package api

import (
	"sync"
	"time"
)

// keyedLimiter is a per-key sliding-window limiter.
type keyedLimiter struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func newKeyedLimiter(limit int, window time.Duration) *keyedLimiter {
	if limit <= 0 {
		limit = DefaultConfig().CheckRateLimit
	}
	if window <= 0 {
		window = DefaultConfig().CheckRateWindow
	}
	return &keyedLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event for key at time now is permitted and, if
// not, how long until the oldest event leaves the window.
func (l *keyedLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cut)
		l.lastSweep = now
	}

	evs := l.events[key]
	dst := evs[:0]
	for _, t := range evs {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= l.limit {
		l.events[key] = dst
		return false, dst[0].Add(l.window).Sub(now)
	}
	l.events[key] = append(dst, now)
	return true, 0
}

// sweep drops keys whose events all fell out of the window.
func (l *keyedLimiter) sweep(cut time.Time) {
	for k, evs := range l.events {
		if len(evs) == 0 || !evs[len(evs)-1].After(cut) {
			delete(l.events, k)
		}
	}
}

func (l *keyedLimiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
