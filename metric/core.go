package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide radar metrics.
type Metrics struct {
	Connections       prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	ResourcesActive   prometheus.Gauge
	BackendSubscribes *prometheus.CounterVec
	BackendMessages   *prometheus.CounterVec
	HandlingDuration  *prometheus.HistogramVec
	SentryHostsOnline prometheus.Gauge
	SentryHeartbeats  prometheus.Counter
	NATSConnected     prometheus.Gauge
	NATSReconnects    prometheus.Counter
}

// NewMetrics creates the core metrics. They are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Currently open client connections",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "dispatch",
			Name:      "messages_received_total",
			Help:      "Client messages routed to a resource, by op",
		}, []string{"op"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "dispatch",
			Name:      "messages_rejected_total",
			Help:      "Client messages dropped before reaching a resource, by reason",
		}, []string{"reason"}),
		ResourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Subsystem: "dispatch",
			Name:      "resources_active",
			Help:      "Resources currently held by this process",
		}),
		BackendSubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "backend",
			Name:      "subscribes_total",
			Help:      "Backend channel subscribe attempts, by result",
		}, []string{"result"}),
		BackendMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "backend",
			Name:      "messages_total",
			Help:      "Messages delivered by the backend, by outcome",
		}, []string{"outcome"}),
		HandlingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radar",
			Subsystem: "dispatch",
			Name:      "handling_duration_seconds",
			Help:      "Time spent handling one event on the dispatcher loop",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"event"}),
		SentryHostsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Subsystem: "sentry",
			Name:      "hosts_online",
			Help:      "Server processes currently considered alive",
		}),
		SentryHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "sentry",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats published by this process",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radar",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radar",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Connections,
		m.MessagesReceived,
		m.MessagesRejected,
		m.ResourcesActive,
		m.BackendSubscribes,
		m.BackendMessages,
		m.HandlingDuration,
		m.SentryHostsOnline,
		m.SentryHeartbeats,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordRejected counts a client message dropped for reason.
func (m *Metrics) RecordRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordReceived counts a client message routed to a resource.
func (m *Metrics) RecordReceived(op string) {
	m.MessagesReceived.WithLabelValues(op).Inc()
}

// RecordSubscribe counts a backend subscribe attempt.
func (m *Metrics) RecordSubscribe(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendSubscribes.WithLabelValues(result).Inc()
}

// RecordBackendMessage counts one backend delivery.
func (m *Metrics) RecordBackendMessage(outcome string) {
	m.BackendMessages.WithLabelValues(outcome).Inc()
}

// RecordHandling observes time spent on one loop event.
func (m *Metrics) RecordHandling(event string, d time.Duration) {
	m.HandlingDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}
