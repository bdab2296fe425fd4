package consumer

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded per consumed change event.
const (
	outcomeForwarded    = "forwarded"
	outcomeUndecodable  = "undecodable"
	outcomePoison       = "poison"
	outcomeHandlerError = "handler_error"
)

var (
	changeEventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "principal_analytics",
		Subsystem: "consumer",
		Name:      "change_events_total",
		Help:      "Change events read from collaborator topics, by topic and outcome.",
	}, []string{"topic", "outcome"})

	lastForwardedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "principal_analytics",
		Subsystem: "consumer",
		Name:      "last_forwarded_timestamp_seconds",
		Help:      "Kafka timestamp of the latest change event forwarded to the observer, per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(changeEventsCounter, lastForwardedGauge)
}

func recordOutcome(topic, outcome string) {
	changeEventsCounter.WithLabelValues(topic, outcome).Inc()
}

func recordForwarded(msg Message) {
	recordOutcome(msg.Topic, outcomeForwarded)
	if !msg.Timestamp.IsZero() {
		lastForwardedGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}
