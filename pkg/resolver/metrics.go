package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for resolve operations.
var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "occupancy_resolve_total",
		Help: "Total resolve operations by mode and result",
	}, []string{"mode", "result"})

	resolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "occupancy_resolve_duration_seconds",
		Help:    "Resolve duration in seconds by mode",
		Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})

	sharedFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "occupancy_resolve_shared_fetches_total",
		Help: "Total resolve operations that joined an upstream fetch already in flight",
	})
)

// Resolve result labels.
const (
	resultHit          = "hit"
	resultFetched      = "fetched"
	resultNoHistory    = "no_history"
	resultUpstream     = "upstream_error"
	resultMalformed    = "malformed"
	resultStoreError   = "store_error"
	resultInvalidInput = "invalid"
)

func modeLabel(wantYesterday bool) string {
	if wantYesterday {
		return "yesterday"
	}
	return "current"
}
