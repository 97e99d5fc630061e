// Package metrics exposes the Prometheus registry of the occupancy proxy.
// All metrics are defined in their respective packages (cache, upstream,
// resolver, refresher) and registered via promauto.
//
// This package provides the exposition handler and a reference of the
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the Prometheus text exposition of Gatherer.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - occupancy_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - occupancy_cache_misses_total (Counter): Cache misses
//   - occupancy_cache_written_bytes_total{layer="redis"} (Counter): Payload bytes written
//   - occupancy_cache_errors_total{operation} (Counter): Store errors (get, set, scan)
//
// Upstream Metrics (pkg/upstream):
//   - occupancy_upstream_requests_total{status} (Counter): Upstream requests by HTTP status
//   - occupancy_upstream_request_duration_seconds (Histogram): Upstream request duration
//   - occupancy_upstream_errors_total{class} (Counter): Errors by class (client, server, network)
//
// Resolve Metrics (pkg/resolver):
//   - occupancy_resolve_total{mode, result} (Counter): Resolves by mode (current, yesterday)
//     and result (hit, fetched, no_history, upstream_error, malformed, store_error, invalid)
//   - occupancy_resolve_duration_seconds{mode} (Histogram): Resolve duration
//   - occupancy_resolve_shared_fetches_total (Counter): Resolves that joined an in-flight fetch
//
// Refresh Metrics (pkg/refresher):
//   - occupancy_refresh_cycles_total (Counter): Refresh cycles run
//   - occupancy_refresh_failures_total (Counter): Failed studio refreshes
//   - occupancy_refresh_duration_seconds (Histogram): Cycle duration
//   - occupancy_refresh_last_success_timestamp_seconds (Gauge): Last cycle without failures
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(occupancy_cache_hits_total[5m])) /
//   (sum(rate(occupancy_cache_hits_total[5m])) + sum(rate(occupancy_cache_misses_total[5m])))
//
//   # Upstream Error Rate
//   rate(occupancy_upstream_errors_total[5m])
//
//   # P95 Resolve Latency
//   histogram_quantile(0.95, sum by (le) (rate(occupancy_resolve_duration_seconds_bucket[5m])))
//
//   # Stale Refresher
//   time() - occupancy_refresh_last_success_timestamp_seconds > 7200
