package backend

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are per-server so tests can build several servers in one process.
type Metrics struct {
	registry      *prometheus.Registry
	connections   prometheus.Gauge
	messages      prometheus.Counter
	sendFailures  *prometheus.CounterVec
	receipts      prometheus.Counter
	notifications prometheus.Counter
	slowClients   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_ws_connections",
			Help: "Open websocket connections.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages accepted from send_message.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "send_message requests answered with success=false.",
		}, []string{"reason"}),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_seen_receipts_total",
			Help: "Messages transitioned to seen.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_notifications_pushed_total",
			Help: "Notifications created and pushed.",
		}),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_slow_clients_dropped_total",
			Help: "Connections dropped because their send buffer was full.",
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.messages,
		m.sendFailures,
		m.receipts,
		m.notifications,
		m.slowClients,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
