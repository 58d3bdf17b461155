// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/ggoodman/mcp-session-gateway/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpgateway"

// Metrics holds all gateway collectors. It also implements
// sessions.MetricsSink so the registry reports admissions and evictions.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved *prometheus.CounterVec
}

var _ sessions.MetricsSink = (*Metrics)(nil)

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of MCP HTTP requests handled",
			},
			[]string{"method", "outcome"}, // outcome=ok/client_error/server_error
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of registered sessions",
			},
		),
		SessionsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total sessions admitted",
			},
		),
		SessionsRemoved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_removed_total",
				Help:      "Total sessions removed, by reason",
			},
			[]string{"reason"},
		),
	}
}

// SessionCreated implements sessions.MetricsSink.
func (m *Metrics) SessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionRemoved implements sessions.MetricsSink.
func (m *Metrics) SessionRemoved(reason sessions.RemoveReason) {
	m.SessionsRemoved.WithLabelValues(string(reason)).Inc()
	m.ActiveSessions.Dec()
}

// ObserveRequest records one finished HTTP exchange.
func (m *Metrics) ObserveRequest(method string, status int, dur time.Duration) {
	m.RequestDuration.WithLabelValues(method).Observe(dur.Seconds())
	m.RequestsTotal.WithLabelValues(method, Outcome(status)).Inc()
}

// Outcome converts an HTTP status code to a label value.
func Outcome(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// Handler serves the collectors registered in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
