package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etna_engine_runs_total",
			Help: "Total number of script runs by terminal status.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "etna_engine_run_duration_seconds",
			Help:    "Script run duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	stopWaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "etna_engine_stop_wait_timeouts_total",
			Help: "Times a cancelled script failed to stop within the wait budget.",
		},
	)

	poolPeakBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "etna_engine_pool_peak_bytes",
			Help: "Peak allocator usage of the most recent script run.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(stopWaitTimeouts)
	prometheus.MustRegister(poolPeakBytes)
}
