package refresher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for refresh cycles.
var (
	refreshCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "occupancy_refresh_cycles_total",
		Help: "Total refresh cycles run",
	})

	refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "occupancy_refresh_failures_total",
		Help: "Total studio refreshes that failed",
	})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "occupancy_refresh_duration_seconds",
		Help:    "Refresh cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "occupancy_refresh_last_success_timestamp_seconds",
		Help: "Unix time of the last refresh cycle without failures",
	})
)
