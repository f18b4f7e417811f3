// Package metrics holds the Prometheus instrumentation for the control
// plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on a dedicated registry so tests
// can create instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	TelemetryEvents *prometheus.CounterVec
	CommandStates   *prometheus.CounterVec
	CronSyncs       *prometheus.CounterVec
	SyncFailures    *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	SSESubscribers  prometheus.Gauge
	TunnelsOpen     prometheus.Gauge
	TasksRun        *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TelemetryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patze_telemetry_events_total",
				Help: "Telemetry events ingested, by validation outcome",
			},
			[]string{"outcome"}, // accepted, duplicate, invalid
		),
		CommandStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patze_bridge_commands_total",
				Help: "Bridge command state transitions",
			},
			[]string{"state"},
		),
		CronSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patze_bridge_cron_syncs_total",
				Help: "Bridge cron-sync check-ins, by result",
			},
			[]string{"result"}, // ok, rejected, rate_limited
		),
		SyncFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "patze_sync_consecutive_failures",
				Help: "Consecutive sync failures per target",
			},
			[]string{"target_id"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patze_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patze_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SSESubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "patze_sse_subscribers",
				Help: "Connected SSE and WebSocket event subscribers",
			},
		),
		TunnelsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "patze_ssh_tunnels_open",
				Help: "Open SSH tunnels",
			},
		),
		TasksRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patze_cron_tasks_run_total",
				Help: "Scheduled task executions, by status",
			},
			[]string{"action", "status"},
		),
	}
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
