package scrape

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_transport_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scraper_transport_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_transport_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryPolicy holds the configuration for retry logic layered on top of
// a Transport.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64

	// RetryStatuses are the HTTP status codes worth retrying.
	RetryStatuses []int
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryStatuses:     []int{429, 500, 502, 503, 504, 520, 521, 522, 523, 524},
	}
}

// RetryTransport decorates a Transport with exponential-backoff retries.
// Retry policy is deliberately kept out of the coordination core: the
// coordinator only sees the final outcome.
type RetryTransport struct {
	next     Transport
	policy   RetryPolicy
	statuses map[int]struct{}
	logger   zerolog.Logger
}

// NewRetryTransport wraps next with the given retry policy.
func NewRetryTransport(next Transport, policy RetryPolicy, logger zerolog.Logger) *RetryTransport {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 1 * time.Second
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 30 * time.Second
	}
	if policy.BackoffMultiplier <= 1 {
		policy.BackoffMultiplier = 2.0
	}
	statuses := make(map[int]struct{}, len(policy.RetryStatuses))
	for _, code := range policy.RetryStatuses {
		statuses[code] = struct{}{}
	}
	return &RetryTransport{
		next:     next,
		policy:   policy,
		statuses: statuses,
		logger:   logger,
	}
}

// Execute runs the wrapped transport with retries. Backoff sleeps are
// jittered and respect context cancellation.
func (rt *RetryTransport) Execute(ctx context.Context, req *Request, proxyURL string, cookies map[string]string, timeout time.Duration) (*Response, error) {
	var lastErr error
	backoff := rt.policy.InitialBackoff

	for attempt := 1; attempt <= rt.policy.MaxAttempts; attempt++ {
		resp, err := rt.next.Execute(ctx, req, proxyURL, cookies, timeout)
		if err == nil {
			if attempt > 1 {
				rt.logger.Info().
					Str("url", req.URL).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		lastErr = err
		kind := ErrorKindOf(err)

		if !rt.shouldRetry(err) {
			return nil, err
		}
		if attempt >= rt.policy.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(kind)).Inc()

		// Jitter: ±20% randomness to avoid thundering herd.
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(jitter.Seconds())

		rt.logger.Debug().
			Str("url", req.URL).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * rt.policy.BackoffMultiplier)
		if backoff > rt.policy.MaxBackoff {
			backoff = rt.policy.MaxBackoff
		}
	}

	kind := ErrorKindOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
	rt.logger.Warn().
		Str("url", req.URL).
		Int("max_attempts", rt.policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, rt.policy.MaxAttempts, lastErr)
}

// Close forwards to the wrapped transport when it supports closing.
func (rt *RetryTransport) Close() {
	if c, ok := rt.next.(interface{ Close() }); ok {
		c.Close()
	}
}

// shouldRetry reports whether err is worth another attempt: connection
// and timeout failures always are, HTTP statuses only when listed in the
// policy.
func (rt *RetryTransport) shouldRetry(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case ErrorKindConnection, ErrorKindTimeout:
		return true
	case ErrorKindHTTPStatus:
		_, ok := rt.statuses[te.StatusCode]
		return ok
	default:
		return false
	}
}
