package wsx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks channel activity. All methods are safe on a nil receiver
// so instrumentation can be disabled without guards at call sites.
type Metrics struct {
	connectedClients prometheus.Gauge
	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	authFailures     prometheus.Counter
	pingsMissed      prometheus.Counter
	pubsubDelivered  prometheus.Counter
}

// NewMetrics registers the channel metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsbridge_connected_clients",
			Help: "Number of currently connected clients.",
		}),
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_messages_received_total",
			Help: "Total frames received from clients.",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_messages_sent_total",
			Help: "Total messages sent to clients.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_auth_failures_total",
			Help: "Total rejected create-session attempts.",
		}),
		pingsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_pings_missed_total",
			Help: "Total unanswered application-level pings.",
		}),
		pubsubDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_pubsub_messages_delivered_total",
			Help: "Total pub/sub messages delivered to clients.",
		}),
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.connectedClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.connectedClients.Dec()
	}
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) AuthFailure() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) PingMissed() {
	if m != nil {
		m.pingsMissed.Inc()
	}
}

func (m *Metrics) PubSubDelivered(n int) {
	if m != nil {
		m.pubsubDelivered.Add(float64(n))
	}
}
