package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	commandsTotal      *prometheus.CounterVec
	envelopesSent      *prometheus.CounterVec
	broadcastsTotal    prometheus.Counter
	broadcastFailures  prometheus.Counter
	transferBytesTotal *prometheus.CounterVec
	transferFailures   prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_total",
			Help: "Total number of sessions accepted since start",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_commands_total",
			Help: "Commands received, by command name",
		}, []string{"command"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_envelopes_sent_total",
			Help: "Envelopes sent, by tag",
		}, []string{"tag"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_broadcasts_total",
			Help: "Room broadcasts performed",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_broadcast_failures_total",
			Help: "Individual broadcast sends that failed",
		}),
		transferBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_transfer_bytes_total",
			Help: "File transfer bytes, by direction (upload/download)",
		}, []string{"direction"}),
		transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_transfer_failures_total",
			Help: "File transfers that failed mid-stream",
		}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.commandsTotal,
		m.envelopesSent,
		m.broadcastsTotal,
		m.broadcastFailures,
		m.transferBytesTotal,
		m.transferFailures,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordCommand(name string) {
	m.commandsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordEnvelopeSent(tag string) {
	m.envelopesSent.WithLabelValues(tag).Inc()
}

func (m *Metrics) RecordBroadcast(failed int) {
	m.broadcastsTotal.Inc()
	if failed > 0 {
		m.broadcastFailures.Add(float64(failed))
	}
}

func (m *Metrics) RecordTransferBytes(direction string, n int64) {
	m.transferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordTransferFailure() {
	m.transferFailures.Inc()
}
