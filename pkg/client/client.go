// Package client provides the high-level scraping client: a facade that
// wires the rate limiter, proxy pool, cookie jar, transport, and batch
// coordinator together behind a small request API.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rdittrich/scrapekit/pkg/batch"
	"github.com/rdittrich/scrapekit/pkg/cookiejar"
	"github.com/rdittrich/scrapekit/pkg/proxy"
	"github.com/rdittrich/scrapekit/pkg/ratelimit"
	"github.com/rdittrich/scrapekit/pkg/scrape"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client: closed")

// Config holds client configuration.
type Config struct {
	// UserAgent is sent on every request unless overridden per request.
	UserAgent string

	// DefaultHeaders are merged into every request; per-request headers
	// win on conflict.
	DefaultHeaders map[string]string

	// RateLimit is the default per-domain rate in requests per second.
	// Zero disables limiting for domains without an explicit rate.
	RateLimit float64

	// DomainRates overrides the default rate for specific domains.
	DomainRates map[string]float64

	// GlobalRate caps throughput across all domains. Zero disables the
	// global cap.
	GlobalRate float64

	// Burst is the bucket capacity. Zero derives capacity from the rate.
	Burst float64

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// Proxies lists proxy URLs for the pool. Empty disables proxying.
	Proxies []string

	ProxyStrategy    proxy.Strategy
	ProxyMaxFailures int
	ProxyCooldown    time.Duration

	// PersistCookies shares response cookies across requests to the
	// same domain.
	PersistCookies bool

	// MaxWorkers is the default worker count for blocking gathers.
	MaxWorkers int

	// DefaultConcurrency is the default admission limit for
	// context-aware gathers.
	DefaultConcurrency int

	// Retries is the number of retry attempts after the first try.
	// Zero disables retrying.
	Retries int

	// RetryStatuses overrides the set of HTTP status codes that trigger
	// a retry.
	RetryStatuses []int

	VerifySSL       bool
	FollowRedirects bool
	MaxRedirects    int

	// Transport overrides the HTTP transport, mainly for testing.
	Transport scrape.Transport
}

// DefaultConfig returns a config with sensible defaults for polite
// scraping.
func DefaultConfig() Config {
	return Config{
		UserAgent:          "scrapekit/0.1",
		RateLimit:          2.0,
		Timeout:            30 * time.Second,
		ProxyStrategy:      proxy.StrategyRoundRobin,
		ProxyMaxFailures:   3,
		ProxyCooldown:      5 * time.Minute,
		PersistCookies:     true,
		MaxWorkers:         10,
		DefaultConcurrency: 10,
		Retries:            3,
		VerifySSL:          true,
		FollowRedirects:    true,
		MaxRedirects:       10,
	}
}

// Client is a concurrency-safe scraping client. All methods may be
// called from any goroutine.
type Client struct {
	userAgent      string
	defaultHeaders map[string]string

	limiter     *ratelimit.Limiter
	proxies     *proxy.Pool
	jar         *cookiejar.Jar
	transport   scrape.Transport
	coordinator *batch.Coordinator
	logger      zerolog.Logger
	closed      atomic.Bool
}

// New creates a client from cfg, validating it and constructing the
// shared primitives.
func New(cfg Config) (*Client, error) {
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("client: rate limit must be >= 0, got %f", cfg.RateLimit)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("client: retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scrapekit/0.1"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 10
	}

	logger := log.With().Str("component", "scrape-client").Logger()

	limiter, err := ratelimit.New(ratelimit.Config{
		DefaultRate:  cfg.RateLimit,
		DefaultBurst: cfg.Burst,
		DomainRates:  cfg.DomainRates,
		GlobalRate:   cfg.GlobalRate,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client: rate limiter: %w", err)
	}

	var pool *proxy.Pool
	if len(cfg.Proxies) > 0 {
		poolCfg := proxy.DefaultConfig()
		poolCfg.Proxies = cfg.Proxies
		if cfg.ProxyStrategy != "" {
			poolCfg.Strategy = cfg.ProxyStrategy
		}
		if cfg.ProxyMaxFailures > 0 {
			poolCfg.MaxFailures = cfg.ProxyMaxFailures
		}
		if cfg.ProxyCooldown > 0 {
			poolCfg.Cooldown = cfg.ProxyCooldown
		}
		poolCfg.Logger = logger
		pool, err = proxy.New(poolCfg)
		if err != nil {
			limiter.Close()
			return nil, fmt.Errorf("client: proxy pool: %w", err)
		}
	}

	var jar *cookiejar.Jar
	if cfg.PersistCookies {
		jar = cookiejar.New()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = scrape.NewHTTPTransport(scrape.HTTPTransportConfig{
			VerifySSL:       cfg.VerifySSL,
			FollowRedirects: cfg.FollowRedirects,
			MaxRedirects:    cfg.MaxRedirects,
		})
	}
	if cfg.Retries > 0 {
		policy := scrape.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.Retries + 1
		if len(cfg.RetryStatuses) > 0 {
			policy.RetryStatuses = cfg.RetryStatuses
		}
		transport = scrape.NewRetryTransport(transport, policy, logger)
	}

	coordinator, err := batch.NewCoordinator(batch.CoordinatorConfig{
		Limiter:     limiter,
		Proxies:     pool,
		Jar:         jar,
		Transport:   transport,
		Timeout:     cfg.Timeout,
		MaxWorkers:  cfg.MaxWorkers,
		Concurrency: cfg.DefaultConcurrency,
		Logger:      logger,
	})
	if err != nil {
		limiter.Close()
		return nil, fmt.Errorf("client: coordinator: %w", err)
	}

	c := &Client{
		userAgent:      cfg.UserAgent,
		defaultHeaders: cfg.DefaultHeaders,
		limiter:        limiter,
		proxies:        pool,
		jar:            jar,
		transport:      transport,
		coordinator:    coordinator,
		logger:         logger,
	}

	logger.Info().
		Float64("rate_limit", cfg.RateLimit).
		Int("proxies", len(cfg.Proxies)).
		Bool("persist_cookies", cfg.PersistCookies).
		Int("retries", cfg.Retries).
		Msg("Scrape client initialized")
	return c, nil
}

// prepare fills in client-level defaults on a copy of req so callers can
// reuse request values across calls.
func (c *Client) prepare(req *scrape.Request) *scrape.Request {
	out := *req
	headers := make(map[string]string, len(c.defaultHeaders)+len(req.Headers)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	if _, ok := headers["User-Agent"]; !ok {
		headers["User-Agent"] = c.userAgent
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	out.Headers = headers
	return &out
}

// Do executes a single request, blocking through rate-limit waits.
func (c *Client) Do(req *scrape.Request) (*scrape.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.coordinator.Execute(c.prepare(req))
}

// DoContext executes a single request with cancellable waits.
func (c *Client) DoContext(ctx context.Context, req *scrape.Request) (*scrape.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.coordinator.ExecuteContext(ctx, c.prepare(req))
}

// Get executes a GET request for url.
func (c *Client) Get(url string) (*scrape.Response, error) {
	return c.Do(&scrape.Request{Method: "GET", URL: url})
}

// GetContext executes a GET request for url with cancellable waits.
func (c *Client) GetContext(ctx context.Context, url string) (*scrape.Response, error) {
	return c.DoContext(ctx, &scrape.Request{Method: "GET", URL: url})
}

// GatherBlocking executes requests across a bounded worker pool,
// maxWorkers <= 0 uses the configured default.
func (c *Client) GatherBlocking(reqs []*scrape.Request, maxWorkers int, stopOnError bool) (*batch.Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	prepared := make([]*scrape.Request, len(reqs))
	for i, r := range reqs {
		prepared[i] = c.prepare(r)
	}
	return c.coordinator.GatherBlocking(prepared, maxWorkers, stopOnError), nil
}

// GatherContext executes requests under a bounded admission gate,
// concurrency <= 0 uses the configured default.
func (c *Client) GatherContext(ctx context.Context, reqs []*scrape.Request, concurrency int, stopOnError bool) (*batch.Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	prepared := make([]*scrape.Request, len(reqs))
	for i, r := range reqs {
		prepared[i] = c.prepare(r)
	}
	return c.coordinator.GatherContext(ctx, prepared, concurrency, stopOnError)
}

// Limiter exposes the shared rate limiter for runtime rate changes.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Proxies exposes the shared proxy pool, nil when proxying is disabled.
func (c *Client) Proxies() *proxy.Pool { return c.proxies }

// Cookies exposes the shared cookie jar, nil when persistence is
// disabled.
func (c *Client) Cookies() *cookiejar.Jar { return c.jar }

// Close releases limiter waiters and idle transport connections. Close
// is idempotent; operations after Close return ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.limiter.Close()
	if closer, ok := c.transport.(interface{ Close() }); ok {
		closer.Close()
	}
	c.logger.Info().Msg("Scrape client closed")
	return nil
}
