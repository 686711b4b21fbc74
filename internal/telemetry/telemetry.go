// Package telemetry exposes the broker's counters and histograms
// (C9) via Prometheus, the handler for the /metrics HTTP endpoint
// (served in --debug mode), and the /healthz liveness handler.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds the process-wide metric instruments.
type Telemetry struct {
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	BytesRead        prometheus.Counter
	BytesWritten     prometheus.Counter
	OverflowDrops    prometheus.Counter
	PermissionDenied *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	ActiveConnections prometheus.Gauge
	WriteLatency     prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Telemetry instance registered against a fresh
// registry (not the global default, so tests can create independent
// instances without collision).
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Telemetry{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_sessions_created_total",
			Help: "Total number of terminal sessions created.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellmux_sessions_closed_total",
			Help: "Total number of terminal sessions closed, by terminal state.",
		}, []string{"state"}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_pty_bytes_read_total",
			Help: "Total bytes read from PTYs across all sessions.",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_pty_bytes_written_total",
			Help: "Total bytes written to PTYs across all sessions.",
		}),
		OverflowDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellmux_connection_overflow_drops_total",
			Help: "Total number of client connections dropped for outbound queue overflow.",
		}),
		PermissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellmux_permission_denied_total",
			Help: "Total permission denials, by action.",
		}, []string{"action"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_active_sessions",
			Help: "Current number of terminal sessions not yet closed.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellmux_active_connections",
			Help: "Current number of connected clients.",
		}),
		WriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellmux_pty_write_duration_seconds",
			Help:    "Latency of PTY write calls.",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// HealthzHandler returns a trivial liveness handler.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
