package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the server collectors. A nil *Metrics is valid and records
// nothing, so tests can leave it out.
type Metrics struct {
	registry         *prometheus.Registry
	envelopes        *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	sessionsOnline   prometheus.Gauge
	pendingMessages  prometheus.Gauge
	connectionsOpen  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgd_envelopes_total",
			Help: "Envelopes received, by action.",
		}, []string{"action"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgd_auth_failures_total",
			Help: "Rejected presence announcements, by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgd_delivery_failures_total",
			Help: "Sends to a destination connection that failed.",
		}),
		sessionsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgd_sessions_online",
			Help: "Authenticated sessions.",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgd_pending_messages",
			Help: "Messages waiting for their destination.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgd_connections_open",
			Help: "Open connections, authenticated or not.",
		}),
	}

	m.registry.MustRegister(
		m.envelopes,
		m.authFailures,
		m.deliveryFailures,
		m.sessionsOnline,
		m.pendingMessages,
		m.connectionsOpen,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Envelope(action string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(action).Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) DeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsOnline.Set(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingMessages.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsOpen.Set(float64(n))
}
