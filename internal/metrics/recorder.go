// Package metrics exposes ingestion metrics in the Prometheus exposition format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

const namespace = "cohortbase"

var _ ingestion.MetricsRecorder = (*Recorder)(nil)

// Recorder records ingestion outcomes on its own registry, so several recorders can
// live in one process (tests, multiple binaries).
type Recorder struct {
	registry *prometheus.Registry

	ingestionsTotal *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	warningsTotal   *prometheus.CounterVec
	entitiesCreated *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
}

// NewRecorder creates a recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ingestionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestions_total",
				Help:      "Total number of ingestion calls per workflow and outcome status",
			},
			[]string{"workflow", "status"},
		),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_duration_seconds",
				Help:      "Duration of ingestion calls in seconds per workflow",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		warningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_warnings_total",
				Help:      "Total number of deprecation warnings emitted per workflow",
			},
			[]string{"workflow"},
		),
		entitiesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_created_total",
				Help:      "Total number of entities created per kind",
			},
			[]string{"kind"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingestion_failures_total",
				Help:      "Total number of failed ingestion calls per workflow and error kind",
			},
			[]string{"workflow", "error_kind"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ingestionsTotal,
		r.durationSeconds,
		r.warningsTotal,
		r.entitiesCreated,
		r.failuresTotal,
	)

	return r
}

// ObserveIngestion implements ingestion.MetricsRecorder.
func (r *Recorder) ObserveIngestion(workflowID string, outcome ingestion.Outcome, elapsed time.Duration) {
	r.ingestionsTotal.WithLabelValues(workflowID, string(outcome.Status)).Inc()
	r.durationSeconds.WithLabelValues(workflowID).Observe(elapsed.Seconds())

	if len(outcome.Warnings) > 0 {
		r.warningsTotal.WithLabelValues(workflowID).Add(float64(len(outcome.Warnings)))
	}

	if !outcome.Success {
		r.failuresTotal.WithLabelValues(workflowID, string(outcome.ErrorKind)).Inc()

		return
	}

	for kind, count := range outcome.CountByKind() {
		r.entitiesCreated.WithLabelValues(string(kind)).Add(float64(count))
	}
}

// Registry returns the registry the recorder's collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry for GET /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
