// Package ratelimit provides token-bucket limiting for calls toward
// wearable data sources and history backends. Batch recomputes fan out
// across many users; the limiter keeps the pull rate within what each
// source tolerates.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies one token-bucket policy independently per source key.
// A source key is typically a backend name ("postgres", "snapshotdir")
// or a wearable vendor endpoint. Buckets are created lazily on first
// use, so callers never register sources up front.
type Limiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a limiter that allows rps sustained calls with the
// given burst capacity, applied separately to every source key.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// bucket returns the token bucket for source, creating it on first use.
func (l *Limiter) bucket(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[source]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets[source] = b
	}
	return b
}

// Allow reports whether a call toward the source may proceed right now.
func (l *Limiter) Allow(source string) bool {
	return l.bucket(source).Allow()
}

// Wait blocks until a call toward the source is allowed or the context
// is cancelled.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	return l.bucket(source).Wait(ctx)
}

// Stats snapshots every source bucket seen so far. The delay is probed
// with a cancelled reservation, so reading stats does not consume
// tokens.
func (l *Limiter) Stats() map[string]LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	stats := make(map[string]LimiterStats, len(l.buckets))
	for source, b := range l.buckets {
		res := b.Reserve()
		delay := res.Delay()
		res.Cancel()

		stats[source] = LimiterStats{
			Source:          source,
			RPS:             float64(b.Limit()),
			Burst:           b.Burst(),
			TokensAvailable: b.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}
	return stats
}

// LimiterStats is a point-in-time view of one source bucket.
type LimiterStats struct {
	Source          string        `json:"source"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled reports whether the bucket is currently delaying calls.
func (s *LimiterStats) IsThrottled() bool {
	return s.Delay > 0
}
