// Package metrics exposes the Prometheus metrics of the quote client.
// All metrics are defined in their respective packages (client, coalesce,
// cache, ratelimit) and registered via promauto on the default registry.
//
// This package provides the scrape handler and a reference of what exists.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the quote client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - quote_requests_total{path, status} (Counter): Upstream requests by path and HTTP status
//   - quote_request_duration_seconds{path} (Histogram): Call duration including retries
//   - quote_errors_total{class} (Counter): Failures by class (transient-upstream, rate-limited, fatal)
//
// Retry Metrics (pkg/client):
//   - quote_retries_total{error_class} (Counter): Retry attempts by error class
//   - quote_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - quote_retry_exhausted_total{error_class} (Counter): Calls that used every attempt
//
// Coalescer Metrics (pkg/coalesce):
//   - quote_coalescer_batches_total{reason} (Counter): Batches dispatched, reason window or cap
//   - quote_coalescer_batch_size (Histogram): Unique keys per batch
//   - quote_coalescer_requests_total{outcome} (Counter): Single-key requests by outcome
//
// Cache Metrics (pkg/cache):
//   - quote_cache_hits_total (Counter): Cache hits
//   - quote_cache_misses_total (Counter): Cache misses
//   - quote_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - quote_rate_limit_remaining (Gauge): Requests remaining in the upstream window
//   - quote_rate_limit_blocks_total (Counter): Calls failed fast while blocked
//   - quote_rate_limit_recorded_total (Counter): Rate-limited responses recorded
//
// Example Prometheus Queries:
//
//   # Requests saved by coalescing
//   sum(rate(quote_coalescer_requests_total[5m])) - sum(rate(quote_requests_total{path="/api/quotes"}[5m]))
//
//   # Cache Hit Rate
//   sum(rate(quote_cache_hits_total[5m])) /
//   (sum(rate(quote_cache_hits_total[5m])) + sum(rate(quote_cache_misses_total[5m])))
//
//   # Retry Exhaustion Rate
//   rate(quote_retry_exhausted_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(quote_request_duration_seconds_bucket[5m]))
