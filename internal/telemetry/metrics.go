package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "colonystats"

// Metrics holds the run counters on a private registry so that several
// runners in one process do not collide.
type Metrics struct {
	Registry     *prometheus.Registry
	StepDuration *prometheus.HistogramVec
	Fits         *prometheus.CounterVec
	Warnings     *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind", "outcome"}),
		Fits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fits_total",
			Help:      "Model fits by family, model kind and outcome.",
		}, []string{"family", "kind", "outcome"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Advisory warnings raised while running.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(m.StepDuration, m.Fits, m.Warnings)
	return m
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveStep records one step. A nil receiver is a no-op.
func (m *Metrics) ObserveStep(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(kind, outcome(ok)).Observe(d.Seconds())
}

// ObserveFit counts a model fit.
func (m *Metrics) ObserveFit(family, kind string, ok bool) {
	if m == nil {
		return
	}
	m.Fits.WithLabelValues(family, kind, outcome(ok)).Inc()
}

// ObserveWarning counts a warning of the given kind.
func (m *Metrics) ObserveWarning(kind string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(kind).Inc()
}

// WriteTextfile writes the registry in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
