package aggregate

import "github.com/prometheus/client_golang/prometheus"

var (
	droppedReferences = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "builder",
		Name:      "inconsistent_references_dropped_total",
		Help:      "Source rows dropped from aggregation because they reference the wrong or a missing organization.",
	}, []string{"kind"})

	buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "principal_analytics",
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Time spent building and committing one principal snapshot.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	buildOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "builder",
		Name:      "builds_total",
		Help:      "Build attempts by outcome (committed, retired, failed).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(droppedReferences, buildDuration, buildOutcomes)
}
