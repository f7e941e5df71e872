package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_dispatches_total",
			Help: "Total number of BUS dispatch attempts by event type and outcome.",
		},
		[]string{"event_type", "outcome"}, // outcome: success, auth, transient, permanent, skipped
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busrelay_dispatch_latency_seconds",
			Help:    "Latency of POST /events calls to the BUS.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"event_type"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_retries_scheduled_total",
			Help: "Total number of scheduled re-dispatches by reason.",
		},
		[]string{"reason"}, // e.g. confirm, http_5xx, timeout, auth, network
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_dead_letters_total",
			Help: "Total number of retry entries moved to the dead letter table.",
		},
		[]string{"event_type"},
	)

	TokenLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_token_logins_total",
			Help: "Total number of BUS login calls by result.",
		},
		[]string{"result"},
	)

	TriggerDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_trigger_decisions_total",
			Help: "Content change notifications by entity kind and decision.",
		},
		[]string{"kind", "decision"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrelay_notifications_total",
			Help: "Operator notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)

	PendingRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "busrelay_pending_retries",
			Help: "Number of retry entries waiting in the store.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busrelay_nsq_topic_depth",
			Help: "Depth of NSQ channels used for scheduled dispatches.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DispatchesTotal,
		DispatchLatency,
		RetriesScheduledTotal,
		DeadLettersTotal,
		TokenLoginsTotal,
		TriggerDecisionsTotal,
		NotificationsTotal,
		PendingRetries,
		NSQTopicDepth,
	)
}

// RecordDispatch counts one attempt and, when it reached the BUS, its latency.
func RecordDispatch(eventType, outcome string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(eventType, outcome).Inc()
	if latency > 0 {
		DispatchLatency.WithLabelValues(eventType).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesScheduledTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(eventType string) {
	DeadLettersTotal.WithLabelValues(eventType).Inc()
}

func RecordTokenLogin(result string) {
	TokenLoginsTotal.WithLabelValues(result).Inc()
}

func RecordTriggerDecision(kind, decision string) {
	TriggerDecisionsTotal.WithLabelValues(kind, decision).Inc()
}

func RecordNotification(sink, result string) {
	NotificationsTotal.WithLabelValues(sink, result).Inc()
}

func UpdatePendingRetries(n float64) {
	PendingRetries.Set(n)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
