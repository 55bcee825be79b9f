// Package ratelimit provides a sliding-window limiter keyed by string.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	mu      sync.Mutex
	limits  map[string][]time.Time
	window  time.Duration
	maxHits int
	now     func() time.Time
}

func NewLimiter(window time.Duration, maxHits int) *Limiter {
	return &Limiter{
		limits:  make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it fits in the window.
// A limiter with maxHits <= 0 allows everything.
func (l *Limiter) Allow(key string) bool {
	if l.maxHits <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key, now)

	if len(hits) >= l.maxHits {
		return false
	}

	l.limits[key] = append(hits, now)
	return true
}

// Remaining returns how many hits key may still take in the current window.
func (l *Limiter) Remaining(key string) int {
	if l.maxHits <= 0 {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.maxHits - len(l.prune(key, l.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RetryAfter returns how long until key may take another hit. Zero means now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l.maxHits <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key, now)
	if len(hits) < l.maxHits {
		return 0
	}
	return hits[len(hits)-l.maxHits].Add(l.window).Sub(now)
}

// Reset forgets all hits for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limits, key)
}

func (l *Limiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-l.window)

	hits, exists := l.limits[key]
	if !exists {
		return nil
	}

	valid := hits[:0]
	for _, hit := range hits {
		if hit.After(windowStart) {
			valid = append(valid, hit)
		}
	}

	if len(valid) == 0 {
		delete(l.limits, key)
		return nil
	}

	l.limits[key] = valid
	return valid
}
