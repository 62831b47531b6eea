// Package metrics exposes prometheus collectors for the production
// engine. Collectors are registered on a private registry so tests can
// create engines without double-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	BatchesCreated     prometheus.Counter
	BatchesCompleted   prometheus.Counter
	PhasesStarted      *prometheus.CounterVec
	PhasesCompleted    *prometheus.CounterVec
	PhasesFailed       *prometheus.CounterVec
	QuarantinesOpened  prometheus.Counter
	QuarantineReleased prometheus.Counter
	QuarantineHours    prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmaline_batches_created_total",
			Help: "Batch records created.",
		}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmaline_batches_completed_total",
			Help: "Batch records completed.",
		}),
		PhasesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmaline_phases_started_total",
			Help: "Phase executions started.",
		}, []string{"phase"}),
		PhasesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmaline_phases_completed_total",
			Help: "Phase executions completed.",
		}, []string{"phase"}),
		PhasesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmaline_phases_failed_total",
			Help: "Phase executions failed at a quality gate.",
		}, []string{"phase"}),
		QuarantinesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmaline_quarantines_opened_total",
			Help: "Quarantine records opened.",
		}),
		QuarantineReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmaline_quarantines_released_total",
			Help: "Quarantine records released.",
		}),
		QuarantineHours: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pharmaline_quarantine_duration_hours",
			Help:    "Hours batches spent in quarantine before release.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	reg.MustRegister(
		m.BatchesCreated, m.BatchesCompleted,
		m.PhasesStarted, m.PhasesCompleted, m.PhasesFailed,
		m.QuarantinesOpened, m.QuarantineReleased, m.QuarantineHours,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
