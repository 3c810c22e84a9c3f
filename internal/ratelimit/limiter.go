// Package ratelimit throttles repeated events per key.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
)

// Limiter allows up to limit events per key in each interval.
type Limiter struct {
	limit    int
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	lastFill   time.Time
	suppressed int
}

// NewLimiter creates a limiter. A nil clock uses the system clock.
func NewLimiter(limit int, interval time.Duration, c clock.Clock) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:    limit,
		interval: interval,
		clock:    clock.OrReal(c),
		buckets:  make(map[string]*bucket),
	}
}

// Allow reports whether an event for key may proceed. When a new interval
// opens, it also returns how many events were suppressed in the previous one.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.limit, lastFill: now}
		l.buckets[key] = b
	}

	var carried int
	if now.Sub(b.lastFill) >= l.interval {
		b.tokens = l.limit
		b.lastFill = now
		carried, b.suppressed = b.suppressed, 0
	}

	if b.tokens <= 0 {
		b.suppressed++
		return false, 0
	}
	b.tokens--
	return true, carried
}

// Suppressed returns the events dropped for key in the current interval.
func (l *Limiter) Suppressed(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b.suppressed
	}
	return 0
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup drops keys idle for longer than maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
