// Package batch drives many request pipelines concurrently over shared
// rate-limit, proxy, and cookie state, preserving input order in the
// result and isolating per-item failure.
//
// Two scheduling surfaces share the same coordinator instance:
// GatherBlocking distributes items across a bounded worker pool, while
// GatherContext admits at most N concurrent pipelines through a
// channel-based gate with cancellable waits.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/rdittrich/scrapekit/pkg/cookiejar"
	"github.com/rdittrich/scrapekit/pkg/proxy"
	"github.com/rdittrich/scrapekit/pkg/ratelimit"
	"github.com/rdittrich/scrapekit/pkg/scrape"
)

// Prometheus metrics for batch execution.
var (
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_batch_items_total",
		Help: "Total batch items by outcome",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_batch_duration_seconds",
		Help:    "Duration of whole batch gathers in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// ErrNilTransport is returned when a coordinator is created without a
// transport.
var ErrNilTransport = errors.New("batch: transport is required")

// CoordinatorConfig holds coordinator configuration. The transport is
// required; the limiter, pool, and jar are optional — a nil primitive
// skips its pipeline stage.
type CoordinatorConfig struct {
	Limiter   *ratelimit.Limiter
	Proxies   *proxy.Pool
	Jar       *cookiejar.Jar
	Transport scrape.Transport

	// Timeout is the default per-request timeout when the request does
	// not override it.
	Timeout time.Duration

	// MaxWorkers is the default worker count for GatherBlocking.
	MaxWorkers int

	// Concurrency is the default admission limit for GatherContext.
	Concurrency int

	Logger zerolog.Logger
}

// Coordinator runs the request pipeline: acquire token, select proxy,
// attach stored cookies, invoke the transport, report proxy health, and
// merge response cookies back into the jar.
type Coordinator struct {
	limiter   *ratelimit.Limiter
	proxies   *proxy.Pool
	jar       *cookiejar.Jar
	transport scrape.Transport

	timeout     time.Duration
	maxWorkers  int
	concurrency int
	logger      zerolog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Coordinator{
		limiter:     cfg.Limiter,
		proxies:     cfg.Proxies,
		jar:         cfg.Jar,
		transport:   cfg.Transport,
		timeout:     cfg.Timeout,
		maxWorkers:  cfg.MaxWorkers,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

// Execute runs the full pipeline for one request, blocking at the token
// wait.
func (c *Coordinator) Execute(req *scrape.Request) (*scrape.Response, error) {
	return c.ExecuteContext(context.Background(), req)
}

// ExecuteContext runs the full pipeline for one request. The token wait
// and the transport call are the only suspension points; no lock is held
// across either.
func (c *Coordinator) ExecuteContext(ctx context.Context, req *scrape.Request) (*scrape.Response, error) {
	domain := req.Domain()

	if c.limiter != nil {
		if err := c.limiter.AcquireContext(ctx, domain); err != nil {
			return nil, err
		}
	}

	proxyURL := req.Proxy
	selected := ""
	if proxyURL == "" && c.proxies != nil {
		entry, err := c.proxies.Select()
		if err != nil {
			return nil, err
		}
		proxyURL = entry.URL
		selected = entry.URL
	}

	var cookies map[string]string
	if c.jar != nil {
		cookies = c.jar.Get(domain)
	} else {
		cookies = make(map[string]string, len(req.Cookies))
	}
	for name, value := range req.Cookies {
		cookies[name] = value
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	resp, err := c.transport.Execute(ctx, req, proxyURL, cookies, timeout)

	// Health bookkeeping runs unconditionally: even when the caller
	// swallows the item error into a batch result, the pool must see the
	// outcome. A caller-initiated cancel says nothing about proxy health,
	// so it reports neither success nor failure.
	if selected != "" {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, ratelimit.ErrLimiterClosed):
		case err != nil && indictsProxy(err):
			c.proxies.ReportFailure(selected)
		default:
			c.proxies.ReportSuccess(selected)
		}
	}

	if err != nil {
		c.logger.Warn().
			Str("url", req.URL).
			Str("domain", domain).
			Err(err).
			Msg("Request pipeline failed")
		return nil, err
	}

	if c.jar != nil && len(resp.Cookies) > 0 {
		c.jar.Update(domain, resp.Cookies)
	}
	return resp, nil
}

// GatherBlocking executes requests across a bounded pool of maxWorkers
// workers (0 means the configured default). Result slots keep input
// order regardless of completion order. With stopOnError, items not yet
// started after the first failure are skipped and excluded from Errors;
// in-flight items run to completion.
func (c *Coordinator) GatherBlocking(reqs []*scrape.Request, maxWorkers int, stopOnError bool) *Result {
	res := newResult(len(reqs))
	if len(reqs) == 0 {
		return res
	}
	if maxWorkers <= 0 {
		maxWorkers = c.maxWorkers
	}
	if maxWorkers > len(reqs) {
		maxWorkers = len(reqs)
	}

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	queue := make(chan int, len(reqs))
	for i := range reqs {
		queue <- i
	}
	close(queue)

	var (
		mu      sync.Mutex
		stopped atomic.Bool
		wg      sync.WaitGroup
	)

	worker := func() {
		defer wg.Done()
		for idx := range queue {
			if stopOnError && stopped.Load() {
				batchItemsTotal.WithLabelValues("skipped").Inc()
				continue
			}
			resp, err := c.Execute(reqs[idx])
			if err != nil {
				mu.Lock()
				res.Errors[idx] = err
				mu.Unlock()
				batchItemsTotal.WithLabelValues("failure").Inc()
				if stopOnError {
					stopped.Store(true)
				}
				continue
			}
			res.Responses[idx] = resp
			batchItemsTotal.WithLabelValues("success").Inc()
		}
	}

	wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go worker()
	}
	wg.Wait()

	c.logger.Info().
		Int("items", len(reqs)).
		Int("succeeded", res.SuccessCount()).
		Int("failed", res.FailureCount()).
		Dur("duration", time.Since(start)).
		Msg("Blocking gather complete")
	return res
}

// GatherContext executes requests under a bounded admission gate: at
// most concurrency pipelines are in flight at once (0 means the
// configured default). Waiting for admission is a cancellable select;
// neither stopOnError nor context cancellation interrupts an item that
// already started.
func (c *Coordinator) GatherContext(ctx context.Context, reqs []*scrape.Request, concurrency int, stopOnError bool) (*Result, error) {
	res := newResult(len(reqs))
	if len(reqs) == 0 {
		return res, nil
	}
	if concurrency <= 0 {
		concurrency = c.concurrency
	}

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	gate := make(chan struct{}, concurrency)
	stop := make(chan struct{})
	var (
		stopOnce sync.Once
		mu       sync.Mutex
		wg       sync.WaitGroup
	)

	for idx := range reqs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case gate <- struct{}{}:
			case <-stop:
				batchItemsTotal.WithLabelValues("skipped").Inc()
				return
			case <-ctx.Done():
				batchItemsTotal.WithLabelValues("skipped").Inc()
				return
			}
			defer func() { <-gate }()

			// Admission may race with a stop signal; re-check before the
			// item counts as started.
			select {
			case <-stop:
				batchItemsTotal.WithLabelValues("skipped").Inc()
				return
			case <-ctx.Done():
				batchItemsTotal.WithLabelValues("skipped").Inc()
				return
			default:
			}

			resp, err := c.ExecuteContext(ctx, reqs[idx])
			if err != nil {
				mu.Lock()
				res.Errors[idx] = err
				mu.Unlock()
				batchItemsTotal.WithLabelValues("failure").Inc()
				if stopOnError {
					stopOnce.Do(func() { close(stop) })
				}
				return
			}
			res.Responses[idx] = resp
			batchItemsTotal.WithLabelValues("success").Inc()
		}(idx)
	}
	wg.Wait()

	c.logger.Info().
		Int("items", len(reqs)).
		Int("succeeded", res.SuccessCount()).
		Int("failed", res.FailureCount()).
		Dur("duration", time.Since(start)).
		Msg("Gather complete")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// indictsProxy decides whether a pipeline failure counts against the
// proxy. Unclassified failures implicate the proxy; an HTTP status does
// not, since the proxy relayed the request.
func indictsProxy(err error) bool {
	var te *scrape.TransportError
	if errors.As(err, &te) {
		return te.IndictsProxy()
	}
	return true
}
