// Package metrics provides the centralized Prometheus metrics registry
// for scrapekit. All metrics are defined in their respective packages
// (scrape, ratelimit, proxy, batch) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by scrapekit.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - scraper_ratelimit_waits_total{domain} (Counter): Acquisitions that had to wait for a token
//   - scraper_ratelimit_wait_seconds (Histogram): Time spent waiting for rate limit tokens
//
// Proxy Metrics (pkg/proxy):
//   - scraper_proxy_selections_total{strategy} (Counter): Proxy selections by rotation strategy
//   - scraper_proxy_failures_reported_total (Counter): Failures reported against proxies
//   - scraper_proxy_cooldowns_total (Counter): Proxies sent into cooldown
//
// Transport Metrics (pkg/scrape):
//   - scraper_transport_requests_total{outcome} (Counter): Transport executions by outcome
//     (success, connection, timeout, http_status)
//   - scraper_transport_duration_seconds (Histogram): Transport request duration
//
// Retry Metrics (pkg/scrape):
//   - scraper_transport_retries_total{kind} (Counter): Retry attempts by failure kind
//   - scraper_transport_retry_backoff_seconds{kind} (Histogram): Backoff duration between attempts
//   - scraper_transport_retry_exhausted_total{kind} (Counter): Requests that exhausted all attempts
//
// Batch Metrics (pkg/batch):
//   - scraper_batch_items_total{outcome} (Counter): Batch items by outcome (success, failure, skipped)
//   - scraper_batch_duration_seconds (Histogram): Duration of whole batch gathers
//
// Example Prometheus Queries:
//
//   # Share of acquisitions that had to wait
//   sum(rate(scraper_ratelimit_waits_total[5m]))
//
//   # Proxy failure rate
//   rate(scraper_proxy_failures_reported_total[5m])
//
//   # Retry exhaustion by failure kind
//   sum by (kind) (rate(scraper_transport_retry_exhausted_total[5m]))
//
//   # P95 transport latency
//   histogram_quantile(0.95, rate(scraper_transport_duration_seconds_bucket[5m]))
//
//   # Batch item failure ratio
//   sum(rate(scraper_batch_items_total{outcome="failure"}[5m])) /
//   sum(rate(scraper_batch_items_total[5m]))
