// Package metrics exposes Prometheus instrumentation for the agent,
// operator CLI, and proxy updater.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bazbeans_active_nodes",
		Help: "Number of nodes currently in ACTIVE_NODES, as last observed by this process.",
	})

	CommandsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bazbeans_commands_enqueued_total",
		Help: "Commands enqueued by kind.",
	}, []string{"kind"})

	CommandsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bazbeans_commands_executed_total",
		Help: "Commands executed by kind and outcome (success|error).",
	}, []string{"kind", "outcome"})

	AgentTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bazbeans_agent_tick_duration_seconds",
		Help:    "Duration of one agent main-loop tick.",
		Buckets: prometheus.DefBuckets,
	})

	SelfFreezesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bazbeans_agent_self_freezes_total",
		Help: "Times this agent froze itself due to a failing self-health check.",
	})

	ProxyReconciliationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bazbeans_proxy_reconciliations_total",
		Help: "Upstream config reconciliation cycles that resulted in a file rewrite.",
	})

	ProxyReloadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bazbeans_proxy_reload_failures_total",
		Help: "Reload or validation command failures in the proxy updater.",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveNodes,
		CommandsEnqueuedTotal,
		CommandsExecutedTotal,
		AgentTickDuration,
		SelfFreezesTotal,
		ProxyReconciliationsTotal,
		ProxyReloadFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into one series of a vec.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started, without
// recording it anywhere. Safe to call more than once.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
