package harness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the evaluation counters exported on /metrics.
type Metrics struct {
	evaluations *prometheus.CounterVec
	duration    prometheus.Histogram
	inFlight    prometheus.Gauge
}

// NewMetrics registers the harness metrics with reg. A nil reg yields
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// evaluations counts finished evaluations by outcome
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hydrocal_evaluations_total",
			Help: "Finished evaluations by status (ok or the failing stage)",
		}, []string{"status"}),

		// duration tracks wall time of a whole evaluation
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydrocal_evaluation_duration_seconds",
			Help:    "Evaluation wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hydrocal_evaluations_in_flight",
			Help: "Evaluations currently running",
		}),
	}
}
