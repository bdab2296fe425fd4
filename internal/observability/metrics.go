package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	snapshotCommittedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "principal_analytics",
		Subsystem: "snapshots",
		Name:      "last_snapshot_committed_timestamp_seconds",
		Help:      "Unix timestamp of the build time of the most recently committed snapshot.",
	})
	changeObservedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "principal_analytics",
		Subsystem: "observer",
		Name:      "last_change_observed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent source change notification observed.",
	})
)

func init() {
	prometheus.MustRegister(snapshotCommittedGauge, changeObservedGauge)
}

// RecordSnapshotCommitted updates the commit watermark gauge.
func RecordSnapshotCommitted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	snapshotCommittedGauge.Set(float64(ts.Unix()))
}

// RecordChangeObserved updates the change-notification watermark gauge.
// The gap between the two watermarks approximates staleness.
func RecordChangeObserved(ts time.Time) {
	if ts.IsZero() {
		return
	}
	changeObservedGauge.Set(float64(ts.Unix()))
}
