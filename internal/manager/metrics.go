package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	metricLoads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vlmd",
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Total number of successful model loads",
		},
	)

	metricLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vlmd",
			Subsystem: "model",
			Name:      "load_duration_seconds",
			Help:      "Duration of model loads in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	metricGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlmd",
			Subsystem: "generation",
			Name:      "completed_total",
			Help:      "Total finished generations by stop reason",
		},
		[]string{"reason"},
	)

	metricTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vlmd",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Total tokens emitted across all generations",
		},
	)

	metricBusyRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vlmd",
			Subsystem: "generation",
			Name:      "busy_rejections_total",
			Help:      "Generation requests refused because one was already running",
		},
	)
)

func init() {
	prometheus.MustRegister(metricLoads, metricLoadDuration, metricGenerations, metricTokens, metricBusyRejections)
}
