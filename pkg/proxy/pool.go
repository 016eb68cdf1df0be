package proxy

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for proxy pool operations.
var (
	proxySelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_proxy_selections_total",
		Help: "Total proxy selections by strategy",
	}, []string{"strategy"})

	proxyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_proxy_failures_reported_total",
		Help: "Total proxy failures reported",
	})

	proxyCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_proxy_cooldowns_total",
		Help: "Total transitions of a proxy into cooldown",
	})
)

// Strategy selects among healthy entries. The set is closed: every
// strategy is handled inside Select, there is no extension point.
type Strategy string

const (
	// StrategyRoundRobin advances a persistent cursor over the healthy
	// subset at call time.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks uniformly over the healthy subset.
	StrategyRandom Strategy = "random"

	// StrategyLeastRecentlyUsed picks the healthy entry with the oldest
	// LastUsed, ties broken by insertion order.
	StrategyLeastRecentlyUsed Strategy = "least_recently_used"
)

// Errors returned by the pool.
var (
	// ErrAllProxiesFailed indicates no healthy proxy at selection time.
	ErrAllProxiesFailed = errors.New("proxy: no healthy proxy available")

	// ErrInvalidConfig indicates invalid pool parameters.
	ErrInvalidConfig = errors.New("proxy: invalid configuration")
)

// Config holds pool configuration.
type Config struct {
	// Proxies are the initial proxy URLs.
	Proxies []string

	// Strategy is the rotation strategy.
	Strategy Strategy

	// MaxFailures is the consecutive-failure threshold that sends an
	// entry into cooldown.
	MaxFailures int

	// Cooldown is how long a failed proxy stays excluded before
	// automatic re-promotion.
	Cooldown time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyRoundRobin,
		MaxFailures: 3,
		Cooldown:    5 * time.Minute,
	}
}

// Pool is a health-tracked proxy pool. All selection and mutation happen
// inside one short critical section bounded by pool size; no I/O or
// sleeping occurs under the lock.
type Pool struct {
	mu      sync.Mutex
	entries []*Entry
	rr      int

	strategy    Strategy
	maxFailures int
	cooldown    time.Duration
	rng         *rand.Rand
	logger      zerolog.Logger
}

// New creates a pool. Every configured proxy URL is validated up front.
func New(cfg Config) (*Pool, error) {
	switch cfg.Strategy {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastRecentlyUsed:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	if cfg.MaxFailures < 1 {
		return nil, fmt.Errorf("%w: max failures must be >= 1, got %d", ErrInvalidConfig, cfg.MaxFailures)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("%w: cooldown must be > 0, got %v", ErrInvalidConfig, cfg.Cooldown)
	}

	p := &Pool{
		strategy:    cfg.Strategy,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      cfg.Logger,
	}
	for _, raw := range cfg.Proxies {
		if err := p.Add(raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add appends a proxy to the pool. Duplicate URLs are ignored.
func (p *Pool) Add(raw string) error {
	if err := ValidateURL(raw); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.URL == raw {
			return nil
		}
	}
	p.entries = append(p.entries, &Entry{URL: raw, State: Healthy})
	return nil
}

// Remove deletes a proxy by URL. It reports whether the proxy was found.
func (p *Pool) Remove(raw string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.URL == raw {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Select returns a copy of the next proxy per the configured strategy.
// Expired cooldowns are promoted back to Healthy first, with their
// failure counters reset. Returns ErrAllProxiesFailed when the healthy
// subset is empty.
func (p *Pool) Select() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.promoteExpiredLocked(now)
	healthy := p.healthyLocked()
	if len(healthy) == 0 {
		return Entry{}, ErrAllProxiesFailed
	}

	var chosen *Entry
	switch p.strategy {
	case StrategyRoundRobin:
		// Cursor semantics are defined over the healthy subset at call
		// time; entries gone unhealthy between calls are simply skipped.
		chosen = healthy[p.rr%len(healthy)]
		p.rr = (p.rr + 1) % len(healthy)
	case StrategyRandom:
		chosen = healthy[p.rng.Intn(len(healthy))]
	case StrategyLeastRecentlyUsed:
		chosen = healthy[0]
		for _, e := range healthy[1:] {
			if e.LastUsed.Before(chosen.LastUsed) {
				chosen = e
			}
		}
	}

	chosen.LastUsed = now
	chosen.TotalRequests++
	proxySelectionsTotal.WithLabelValues(string(p.strategy)).Inc()
	return *chosen, nil
}

// ReportSuccess resets the consecutive-failure counter and marks the
// proxy used.
func (p *Pool) ReportSuccess(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(url)
	if e == nil {
		return
	}
	e.ConsecutiveFailures = 0
	e.LastUsed = time.Now()
}

// ReportFailure increments the consecutive-failure counter; at the
// configured threshold the proxy transitions into cooldown.
func (p *Pool) ReportFailure(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(url)
	if e == nil {
		return
	}

	now := time.Now()
	e.ConsecutiveFailures++
	e.TotalFailures++
	e.LastFailure = now
	proxyFailuresTotal.Inc()

	if e.ConsecutiveFailures >= p.maxFailures && e.State == Healthy {
		e.State = CoolingDown
		e.DisabledUntil = now.Add(p.cooldown)
		proxyCooldownsTotal.Inc()
		p.logger.Warn().
			Str("proxy", e.URL).
			Int("consecutive_failures", e.ConsecutiveFailures).
			Dur("cooldown", p.cooldown).
			Msg("Proxy entering cooldown")
	}
}

// ForceDisable sends a proxy into cooldown regardless of its failure
// counter.
func (p *Pool) ForceDisable(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(url)
	if e == nil {
		return
	}
	e.State = CoolingDown
	e.DisabledUntil = time.Now().Add(p.cooldown)
}

// ForceEnable re-enables a proxy immediately, resetting its failure
// counter.
func (p *Pool) ForceEnable(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(url)
	if e == nil {
		return
	}
	e.State = Healthy
	e.ConsecutiveFailures = 0
	e.DisabledUntil = time.Time{}
}

// ResetAll restores every proxy to its initial state and rewinds the
// round-robin cursor.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		*e = Entry{URL: e.URL, State: Healthy}
	}
	p.rr = 0
}

// Len returns the total number of proxies in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AvailableCount returns the number of currently healthy proxies,
// promoting expired cooldowns first.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoteExpiredLocked(time.Now())
	return len(p.healthyLocked())
}

// Stats is a snapshot of pool state.
type Stats struct {
	Total       int
	Available   int
	CoolingDown int
	Strategy    Strategy
	Entries     []Entry
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteExpiredLocked(time.Now())
	s := Stats{
		Total:    len(p.entries),
		Strategy: p.strategy,
		Entries:  make([]Entry, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		if e.State == Healthy {
			s.Available++
		} else {
			s.CoolingDown++
		}
		s.Entries = append(s.Entries, *e)
	}
	return s
}

// promoteExpiredLocked re-enables cooled-down entries whose cooldown has
// elapsed, resetting their failure counters. Must be called under mu.
func (p *Pool) promoteExpiredLocked(now time.Time) {
	for _, e := range p.entries {
		if e.State == CoolingDown && !e.DisabledUntil.After(now) {
			e.State = Healthy
			e.ConsecutiveFailures = 0
			p.logger.Debug().Str("proxy", e.URL).Msg("Proxy re-enabled after cooldown")
		}
	}
}

// healthyLocked returns the healthy subset in insertion order. Must be
// called under mu.
func (p *Pool) healthyLocked() []*Entry {
	healthy := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.State == Healthy {
			healthy = append(healthy, e)
		}
	}
	return healthy
}

// findLocked returns the entry with the given URL. Must be called under mu.
func (p *Pool) findLocked(url string) *Entry {
	for _, e := range p.entries {
		if e.URL == url {
			return e
		}
	}
	return nil
}
