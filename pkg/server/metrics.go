package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks control-channel activity. Each server owns its own
// registry so tests can run servers side by side without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal prometheus.Counter
	activeSessions   prometheus.Gauge
	messagesReceived *prometheus.CounterVec
	commandsExecuted *prometheus.CounterVec
	authFailures     prometheus.Counter
	queryTimeouts    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambot_connections_total",
			Help: "Total accepted control connections",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streambot_active_sessions",
			Help: "Currently authenticated control sessions",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streambot_messages_received_total",
			Help: "Control messages received, by type",
		}, []string{"type"}),
		commandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streambot_commands_executed_total",
			Help: "Commands dispatched, by response status",
		}, []string{"status"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambot_auth_failures_total",
			Help: "Failed login attempts",
		}),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streambot_query_timeouts_total",
			Help: "Interactive queries that timed out waiting for the operator",
		}),
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.activeSessions,
		m.messagesReceived,
		m.commandsExecuted,
		m.authFailures,
		m.queryTimeouts,
	)

	return m
}

// Handler serves this server's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnection()             { m.connectionsTotal.Inc() }
func (m *Metrics) RecordSessionCount(n int)      { m.activeSessions.Set(float64(n)) }
func (m *Metrics) RecordMessage(typeName string) { m.messagesReceived.WithLabelValues(typeName).Inc() }
func (m *Metrics) RecordCommand(status string)   { m.commandsExecuted.WithLabelValues(status).Inc() }
func (m *Metrics) RecordAuthFailure()            { m.authFailures.Inc() }
func (m *Metrics) RecordQueryTimeout()           { m.queryTimeouts.Inc() }
