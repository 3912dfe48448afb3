package ingest

import (
	"sync"
	"time"
)

// RateLimitError reports an exhausted per-source budget. Maps to 429.
type RateLimitError struct {
	Source string
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded for source " + e.Source
}

// RateLimiter holds one token bucket per source. Buckets refill
// continuously at the source's per-minute rate and cap at one minute of
// burst.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: map[string]*bucket{}, now: time.Now}
}

// Allow consumes one token for key. perMinute <= 0 means unlimited.
func (l *RateLimiter) Allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(perMinute), last: now}
		l.buckets[key] = b
	}

	rate := float64(perMinute) / 60.0
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > float64(perMinute) {
		b.tokens = float64(perMinute)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops the bucket for a removed source.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
