package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/aerobatch/pkg/pipeline"
)

const MetricPrefix = "aerobatch_"

// Metrics are the batch runner's Prometheus collectors. Each Metrics owns
// its registry so tests and embedded runners never collide on the default
// one.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	RecoveriesTotal *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	PhaseFailures   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	JobsInFlight    prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_total",
			Help: "Jobs finished, by final status",
		}, []string{"status"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "recoveries_total",
			Help: "Divergence recovery attempts, by whether the divergence cleared",
		}, []string{"cleared"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: MetricPrefix + "phase_duration_seconds",
			Help: "Wall time per pipeline phase",
			// Phases range from seconds (boundary conditions) to hours (ramp).
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "phase_failures_total",
			Help: "Phases that ended with an error",
		}, []string{"phase"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "queue_depth",
			Help: "Jobs waiting in the queue",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "jobs_in_flight",
			Help: "Jobs currently running",
		}),
	}
	m.registry.MustRegister(
		m.JobsTotal,
		m.RecoveriesTotal,
		m.PhaseDuration,
		m.PhaseFailures,
		m.QueueDepth,
		m.JobsInFlight,
		collectors.NewGoCollector(),
	)
	return m
}

// ObservePhase records a phase event. Only completed phases and stage
// events carrying a recovery attempt change the metrics.
func (m *Metrics) ObservePhase(ev pipeline.PhaseEvent) {
	if ev.Recovery != nil {
		cleared := "false"
		if ev.Recovery.Cleared {
			cleared = "true"
		}
		m.RecoveriesTotal.WithLabelValues(cleared).Inc()
	}
	if !ev.Done {
		return
	}
	m.PhaseDuration.WithLabelValues(ev.Phase.String()).Observe(ev.Elapsed.Seconds())
	if ev.Err != nil {
		m.PhaseFailures.WithLabelValues(ev.Phase.String()).Inc()
	}
}

// ObserveQueue sets the queue gauges.
func (m *Metrics) ObserveQueue(depth int, running bool) {
	m.QueueDepth.Set(float64(depth))
	if running {
		m.JobsInFlight.Set(1)
	} else {
		m.JobsInFlight.Set(0)
	}
}

// ObserveJob counts a finished job.
func (m *Metrics) ObserveJob(status string) {
	m.JobsTotal.WithLabelValues(status).Inc()
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
