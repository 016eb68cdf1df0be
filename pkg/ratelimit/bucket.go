// Package ratelimit implements per-domain token bucket rate limiting
// usable from blocking and context-aware callers against the same bucket
// state. Bucket arithmetic runs under one mutex; all waiting happens
// outside it.
package ratelimit

import (
	"fmt"
	"time"
)

// bucket is a lazily refilled token bucket. All methods must be called
// with the owning limiter's mutex held.
type bucket struct {
	rate       float64 // tokens per second; 0 means unlimited
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// newBucket creates a bucket filled to capacity. A zero rate disables
// limiting for the bucket entirely.
func newBucket(rate, capacity float64) (*bucket, error) {
	if rate < 0 {
		return nil, fmt.Errorf("%w: rate must be >= 0, got %v", ErrInvalidConfig, rate)
	}
	if rate > 0 && capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0, got %v", ErrInvalidConfig, capacity)
	}
	return &bucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
	}, nil
}

// refill adds elapsed*rate tokens, capped at capacity.
func (b *bucket) refill(now time.Time) {
	if b.rate == 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.lastRefill = now
}

// take refills, then consumes one token if available. When no token is
// available it reports how long the caller must wait for the next one.
func (b *bucket) take(now time.Time) (ok bool, wait time.Duration) {
	if b.rate == 0 {
		return true, 0
	}
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// setRate replaces the refill rate without resetting accumulated tokens.
// Accrual at the old rate is settled first so the switch is exact.
func (b *bucket) setRate(now time.Time, rate, capacity float64) {
	b.refill(now)
	b.rate = rate
	b.capacity = capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
}
