// Package metrics instruments the job registry with Prometheus metrics:
// job throughput by outcome, live worker and preview counts, and
// persistence failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name
const Namespace = "vidra"

// Metrics holds the registry's instrument set. A nil *Metrics is valid and
// records nothing, so tests can pass it around freely.
type Metrics struct {
	jobsCreated    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	jobsByStatus   *prometheus.GaugeVec
	activeWorkers  prometheus.Gauge
	activePreviews prometheus.Gauge
	progressEvents prometheus.Counter
	persistErrors  prometheus.Counter
}

// New creates and registers the instrument set with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_created_total",
			Help:      "Number of jobs created.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_finished_total",
			Help:      "Number of worker runs finished, by outcome.",
		}, []string{"outcome"}),
		jobsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "jobs",
			Help:      "Number of jobs currently held, by status.",
		}, []string{"status"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "workers_active",
			Help:      "Number of live worker goroutines.",
		}),
		activePreviews: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "previews_active",
			Help:      "Number of live preview collector goroutines.",
		}),
		progressEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "progress_events_total",
			Help:      "Number of engine progress hook payloads processed.",
		}),
		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "persist_errors_total",
			Help:      "Number of failed persistence writes.",
		}),
	}
}

// JobCreated counts one created job
func (m *Metrics) JobCreated() {
	if m != nil {
		m.jobsCreated.Inc()
	}
}

// RunFinished counts one finished worker run by outcome
func (m *Metrics) RunFinished(outcome string) {
	if m != nil {
		m.runsFinished.WithLabelValues(outcome).Inc()
	}
}

// WorkerStarted tracks a worker goroutine going live
func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

// WorkerStopped tracks a worker goroutine exiting
func (m *Metrics) WorkerStopped() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}

// PreviewStarted tracks a preview collector going live
func (m *Metrics) PreviewStarted() {
	if m != nil {
		m.activePreviews.Inc()
	}
}

// PreviewStopped tracks a preview collector exiting
func (m *Metrics) PreviewStopped() {
	if m != nil {
		m.activePreviews.Dec()
	}
}

// ProgressEvent counts one processed hook payload
func (m *Metrics) ProgressEvent() {
	if m != nil {
		m.progressEvents.Inc()
	}
}

// PersistError counts one failed persistence write
func (m *Metrics) PersistError() {
	if m != nil {
		m.persistErrors.Inc()
	}
}

// SetStatusCounts replaces the per-status job gauges
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.jobsByStatus.Reset()
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
