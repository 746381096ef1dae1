// Package metrics exposes Prometheus counters and histograms for the
// daemon's session, RPC, and scheduler activity. Conceptually grounded on
// internal/tracing/metrics.go's MetricsCollector (runs/steps/llm counters,
// run/step duration histograms, active-run gauges), rewritten against
// github.com/prometheus/client_golang directly rather than an OpenTelemetry
// metric API; see DESIGN.md for why the OTel stack was dropped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the daemon emits, registered against a
// single prometheus.Registry so /metrics can be served with one handler.
type Collector struct {
	SessionsCreated   prometheus.Counter
	SessionsExpired   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	RPCRequestsTotal  *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	EventBusLagged    prometheus.Counter
}

// NewCollector creates and registers a Collector's metrics against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dk_sessions_created_total",
			Help: "Total sessions created.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dk_sessions_expired_total",
			Help: "Total sessions reclaimed by idle-timeout cleanup.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dk_sessions_active",
			Help: "Current number of live sessions.",
		}),
		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dk_rpc_requests_total",
			Help: "Total RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dk_rpc_request_duration_seconds",
			Help:    "RPC request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dk_workflow_steps_total",
			Help: "Total workflow steps executed by kind and status.",
		}, []string{"kind", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dk_workflow_step_duration_seconds",
			Help:    "Workflow step execution latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		EventBusLagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dk_eventbus_lagged_total",
			Help: "Total Lagged signals synthesized for slow subscribers.",
		}),
	}

	reg.MustRegister(
		c.SessionsCreated, c.SessionsExpired, c.ActiveSessions,
		c.RPCRequestsTotal, c.RPCDuration, c.StepsTotal, c.StepDuration,
		c.EventBusLagged,
	)
	return c
}

// ObserveRPC records one completed RPC call's outcome and latency.
func (c *Collector) ObserveRPC(method, outcome string, d time.Duration) {
	c.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()
	c.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveStep records one completed workflow step's outcome and latency.
func (c *Collector) ObserveStep(kind, status string, d time.Duration) {
	c.StepsTotal.WithLabelValues(kind, status).Inc()
	c.StepDuration.WithLabelValues(kind).Observe(d.Seconds())
}
