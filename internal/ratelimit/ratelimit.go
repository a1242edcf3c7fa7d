// Package ratelimit implements the per-user token bucket that throttles run
// requests on the HTTP gateway. Buckets refill lazily on each call; idle
// buckets are evicted so the table stays bounded by the active users.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Decision is the outcome of one Reserve call.
type Decision struct {
	Allowed    bool
	Remaining  int           // Whole tokens left after this request.
	RetryAfter time.Duration // Zero when allowed.
}

// Limiter is a per-user token bucket rate limiter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time

	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute of 0 every request
// is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = max(cfg.RequestsPerMinute, 1)
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for userID or returns ErrRateLimited.
func (l *Limiter) Allow(userID string) error {
	if !l.Reserve(userID).Allowed {
		return ErrRateLimited
	}
	return nil
}

// Reserve consumes one token for userID when one is available and reports
// how long a refused caller should wait.
func (l *Limiter) Reserve(userID string) Decision {
	if l.rate <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt32}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[userID] = b
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return Decision{RetryAfter: wait}
	}
	b.tokens--
	return Decision{Allowed: true, Remaining: int(b.tokens)}
}

// sweep drops buckets that have refilled completely, at most once per
// refill period. A full bucket is indistinguishable from a new one.
func (l *Limiter) sweep(now time.Time) {
	refill := time.Duration(l.burst / l.rate * float64(time.Second))
	if now.Sub(l.lastSweep) < refill {
		return
	}
	l.lastSweep = now
	for id, b := range l.buckets {
		if now.Sub(b.lastFill) >= refill {
			delete(l.buckets, id)
		}
	}
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
