// Package metrics registers the factory's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the subsystems update.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth       prometheus.Gauge
	ClaimsTotal      *prometheus.CounterVec
	CompletionsTotal *prometheus.CounterVec
	VerdictsTotal    *prometheus.CounterVec
	PreflightTotal   *prometheus.CounterVec
	DegradationMode  *prometheus.GaugeVec
	MapBuildSeconds  prometheus.Histogram
	MapFileCount     prometheus.Gauge
}

// New builds and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmill_queue_depth",
			Help: "Number of queued jobs awaiting claim.",
		}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmill_claims_total",
			Help: "Claim attempts by result.",
		}, []string{"result"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmill_completions_total",
			Help: "Job completions by terminal status.",
		}, []string{"status"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmill_verdicts_total",
			Help: "Verdicts by outcome.",
		}, []string{"outcome"}),
		PreflightTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmill_preflight_total",
			Help: "Preflight checks by result.",
		}, []string{"result"}),
		DegradationMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmill_degradation_mode",
			Help: "Active degradation mode (1 for the active mode, 0 otherwise).",
		}, []string{"mode"}),
		MapBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmill_map_build_seconds",
			Help:    "Map index build duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		MapFileCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmill_map_file_count",
			Help: "File count of the current map snapshot.",
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.ClaimsTotal,
		m.CompletionsTotal,
		m.VerdictsTotal,
		m.PreflightTotal,
		m.DegradationMode,
		m.MapBuildSeconds,
		m.MapFileCount,
	)
	return m
}

// SetDegradationMode flips the mode gauge so exactly one label is 1.
func (m *Metrics) SetDegradationMode(mode string) {
	for _, known := range []string{"baseline", "queue_overload", "stop_the_bleeding"} {
		v := 0.0
		if known == mode {
			v = 1.0
		}
		m.DegradationMode.WithLabelValues(known).Set(v)
	}
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
