package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the consumer pipeline.
type Metrics struct {
	MessagesReceived prometheus.Counter
	EventsHandled    *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Rebuilds         *prometheus.CounterVec
	RebuildDuration  *prometheus.HistogramVec
	Reconnects       prometheus.Counter
	ConsumerState    prometheus.Gauge
}

// New creates the metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadflog_messages_received_total",
			Help: "Total number of messages delivered by the broker",
		}),
		EventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadflog_events_handled_total",
			Help: "Total number of recognized CADF events formatted, by event kind",
		}, []string{"kind"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadflog_messages_dropped_total",
			Help: "Total number of messages dropped without output, by reason",
		}, []string{"reason"}),
		Rebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadflog_directory_rebuilds_total",
			Help: "Total number of directory snapshot rebuilds, by kind and result",
		}, []string{"kind", "result"}),
		RebuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadflog_directory_rebuild_duration_seconds",
			Help:    "Time spent authenticating and listing the directory during a rebuild",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadflog_broker_reconnects_total",
			Help: "Total number of scheduled broker reconnects",
		}),
		ConsumerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cadflog_consumer_state",
			Help: "Current consumer state machine state (6=consuming, 9=closed)",
		}),
	}
}

// IncMessagesReceived increments the received counter.
func (m *Metrics) IncMessagesReceived() {
	m.MessagesReceived.Inc()
}

// IncEventsHandled increments the handled counter for kind.
func (m *Metrics) IncEventsHandled(kind string) {
	m.EventsHandled.WithLabelValues(kind).Inc()
}

// IncMessagesDropped increments the dropped counter for reason.
func (m *Metrics) IncMessagesDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// ObserveRebuild records one rebuild attempt and how long it took.
func (m *Metrics) ObserveRebuild(kind string, seconds float64, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Rebuilds.WithLabelValues(kind, result).Inc()
	m.RebuildDuration.WithLabelValues(kind).Observe(seconds)
}

// IncReconnects increments the reconnect counter.
func (m *Metrics) IncReconnects() {
	m.Reconnects.Inc()
}

// SetConsumerState records the numeric consumer state.
func (m *Metrics) SetConsumerState(state int) {
	m.ConsumerState.Set(float64(state))
}
