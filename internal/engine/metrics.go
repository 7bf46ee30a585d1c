package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/pulse/internal/model"
)

// Metrics exposes processor activity to Prometheus.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	cancellations prometheus.Counter
	purged        prometheus.Counter
	passes        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "processor",
			Name:      "steps_total",
			Help:      "Analysis steps by resulting status.",
		}, []string{"type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulse",
			Subsystem: "processor",
			Name:      "step_duration_seconds",
			Help:      "Duration of analysis attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"type"}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "processor",
			Name:      "cancellations_total",
			Help:      "Modifications cancelled or put in ParentInError.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "processor",
			Name:      "purged_total",
			Help:      "DonePurge modifications removed.",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Scheduler passes run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.steps, m.stepDuration, m.cancellations, m.purged, m.passes)
	}
	return m
}

func (m *Metrics) observeStep(typ string, status model.AnalysisStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(typ, status.String()).Inc()
	m.stepDuration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) observeCancel() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) observePurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func (m *Metrics) observePass() {
	if m == nil {
		return
	}
	m.passes.Inc()
}
