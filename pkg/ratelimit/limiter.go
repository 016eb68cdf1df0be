package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Errors returned by the limiter.
var (
	// ErrInvalidConfig indicates invalid limiter parameters.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

	// ErrLimiterClosed is returned to waiters released by Close.
	ErrLimiterClosed = errors.New("ratelimit: limiter closed")
)

// Prometheus metrics for rate limiting.
var (
	limiterWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_ratelimit_waits_total",
		Help: "Number of acquisitions that had to wait for a token, by domain",
	}, []string{"domain"})

	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_ratelimit_wait_seconds",
		Help:    "Time spent waiting for rate limit tokens",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

// globalDomain is the metric label and bucket key for the shared global
// bucket.
const globalDomain = "_global"

// Config holds limiter configuration.
type Config struct {
	// DefaultRate is requests/second for domains without a specific
	// rate. 0 disables rate limiting for those domains.
	DefaultRate float64

	// DefaultBurst caps accumulated tokens per bucket. 0 means the
	// bucket's rate.
	DefaultBurst float64

	// DomainRates overrides DefaultRate for specific domains.
	DomainRates map[string]float64

	// GlobalRate, when > 0, additionally gates all domains through one
	// shared bucket.
	GlobalRate float64

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultRate: 2.0,
	}
}

// Limiter hands out request permits per domain using lazily created
// token buckets. A single mutex orders all bucket mutation regardless of
// whether the caller blocks or suspends on a context; waiting always
// happens with the mutex released.
type Limiter struct {
	mu      sync.Mutex
	rates   map[string]float64
	buckets map[string]*bucket
	global  *bucket

	defaultRate  float64
	defaultBurst float64

	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// New creates a limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.DefaultRate < 0 {
		return nil, fmt.Errorf("%w: default rate must be >= 0, got %v", ErrInvalidConfig, cfg.DefaultRate)
	}
	if cfg.DefaultBurst < 0 {
		return nil, fmt.Errorf("%w: default burst must be >= 0, got %v", ErrInvalidConfig, cfg.DefaultBurst)
	}
	if cfg.DefaultBurst > 0 && cfg.DefaultBurst < 1 {
		return nil, fmt.Errorf("%w: default burst must be >= 1 token, got %v", ErrInvalidConfig, cfg.DefaultBurst)
	}
	if cfg.GlobalRate < 0 {
		return nil, fmt.Errorf("%w: global rate must be >= 0, got %v", ErrInvalidConfig, cfg.GlobalRate)
	}

	rates := make(map[string]float64, len(cfg.DomainRates))
	for domain, rate := range cfg.DomainRates {
		if rate < 0 {
			return nil, fmt.Errorf("%w: rate for domain %q must be >= 0, got %v", ErrInvalidConfig, domain, rate)
		}
		rates[domain] = rate
	}

	l := &Limiter{
		rates:        rates,
		buckets:      make(map[string]*bucket),
		defaultRate:  cfg.DefaultRate,
		defaultBurst: cfg.DefaultBurst,
		closed:       make(chan struct{}),
		logger:       cfg.Logger,
	}

	if cfg.GlobalRate > 0 {
		g, err := newBucket(cfg.GlobalRate, l.burstFor(cfg.GlobalRate))
		if err != nil {
			return nil, err
		}
		l.global = g
	}
	return l, nil
}

// Acquire blocks the calling goroutine until one token is available for
// the domain's bucket (creating it with the configured rate on first
// use), then consumes it.
func (l *Limiter) Acquire(domain string) error {
	return l.AcquireContext(context.Background(), domain)
}

// AcquireContext is Acquire with cancellable waiting: every wait is a
// select over the refill timer, the context, and limiter shutdown, so a
// cooperative caller suspends instead of blocking past its context.
func (l *Limiter) AcquireContext(ctx context.Context, domain string) error {
	if l.global != nil {
		if err := l.acquire(ctx, globalDomain); err != nil {
			return err
		}
	}
	return l.acquire(ctx, domain)
}

// SetDomainRate replaces or creates the bucket for domain with a new
// refill rate. Accumulated tokens are preserved (capped at the new
// capacity); a rate of 0 disables limiting for the domain.
func (l *Limiter) SetDomainRate(domain string, rate float64) error {
	if rate < 0 {
		return fmt.Errorf("%w: rate must be >= 0, got %v", ErrInvalidConfig, rate)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rates[domain] = rate
	if b, ok := l.buckets[domain]; ok {
		b.setRate(time.Now(), rate, l.burstFor(rate))
	}
	l.logger.Debug().Str("domain", domain).Float64("rate", rate).Msg("Domain rate updated")
	return nil
}

// Tokens reports the currently available tokens for a domain after
// settling refill. Domains without a bucket (unlimited or untouched)
// report +Inf.
func (l *Limiter) Tokens(domain string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[domain]
	if !ok || b.rate == 0 {
		return math.Inf(1)
	}
	b.refill(time.Now())
	return b.tokens
}

// Close releases every pending waiter with ErrLimiterClosed. It is safe
// to call more than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.logger.Debug().Msg("Rate limiter closed")
	})
	return nil
}

// acquire loops take-or-wait on one bucket. The critical section covers
// only the refill/decision arithmetic; the wait runs with the mutex
// released so other domains and other waiters stay progressable.
func (l *Limiter) acquire(ctx context.Context, domain string) error {
	waited := time.Duration(0)
	for {
		select {
		case <-l.closed:
			return ErrLimiterClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		b, err := l.bucketLocked(domain)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		var ok bool
		var wait time.Duration
		if b == nil {
			ok = true
		} else {
			ok, wait = b.take(time.Now())
		}
		l.mu.Unlock()

		if ok {
			if waited > 0 {
				limiterWaitSeconds.Observe(waited.Seconds())
			}
			return nil
		}

		limiterWaitsTotal.WithLabelValues(domain).Inc()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			waited += wait
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.closed:
			timer.Stop()
			return ErrLimiterClosed
		}
	}
}

// bucketLocked returns the domain's bucket, creating it on first use.
// A nil bucket means the domain is unlimited.
func (l *Limiter) bucketLocked(domain string) (*bucket, error) {
	if domain == globalDomain && l.global != nil {
		return l.global, nil
	}
	if b, ok := l.buckets[domain]; ok {
		return b, nil
	}

	rate, ok := l.rates[domain]
	if !ok {
		rate = l.defaultRate
	}
	if rate == 0 {
		return nil, nil
	}

	b, err := newBucket(rate, l.burstFor(rate))
	if err != nil {
		return nil, err
	}
	l.buckets[domain] = b
	l.logger.Debug().Str("domain", domain).Float64("rate", rate).Msg("Bucket created")
	return b, nil
}

// burstFor resolves the effective capacity for a rate. Capacity never
// drops below one token, otherwise an acquire could wait forever.
func (l *Limiter) burstFor(rate float64) float64 {
	if l.defaultBurst > 0 {
		return l.defaultBurst
	}
	return max(rate, 1)
}
