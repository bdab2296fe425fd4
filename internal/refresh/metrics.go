package refresh

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "refresh_requests_total",
		Help:      "Refresh requests received by kind (signal, manual).",
	}, []string{"kind"})
	mergedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "refresh_requests_merged_total",
		Help:      "Refresh requests folded into an already pending or running rebuild.",
	})
	buildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "rebuilds_total",
		Help:      "Rebuild outcomes (succeeded, failed, exhausted, fatal, lease_held).",
	}, []string{"outcome"})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "rebuild_retries_total",
		Help:      "Rebuild attempts scheduled after a retryable failure.",
	})
	leaseWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "lease_waits_total",
		Help:      "Polls spent waiting for a rebuild lease held by another process.",
	})
	buildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "rebuild_attempt_duration_seconds",
		Help:      "Duration of individual rebuild attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "pending_rebuilds",
		Help:      "Principals waiting out the coalescing delay.",
	})
	runningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "principal_analytics",
		Subsystem: "scheduler",
		Name:      "running_rebuilds",
		Help:      "Principals with a rebuild in flight.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, mergedTotal, buildsTotal, retriesTotal, leaseWaitsTotal, buildSeconds, pendingGauge, runningGauge)
}
