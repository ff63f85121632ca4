// Package metrics exposes Prometheus collectors for the queue.
//
// All methods are safe on a nil *Metrics so components can record
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/agentqueue/errors"
)

const namespace = "agentqueue"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	tasksDispatched   *prometheus.CounterVec
	tasksAcked        *prometheus.CounterVec
	tasksRetried      *prometheus.CounterVec
	tasksDeadLettered *prometheus.CounterVec
	tasksReclaimed    prometheus.Counter
	poisonDiscarded   prometheus.Counter
	scaleUps          prometheus.Counter
	loopErrors        *prometheus.CounterVec

	// Gauges
	queueDepth *prometheus.GaugeVec

	// Histograms
	handlerDuration *prometheus.HistogramVec
	claimDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of tasks appended to the task stream",
			},
			[]string{"type", "priority"},
		),
		tasksAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_acked_total",
				Help:      "Total number of tasks completed successfully",
			},
			[]string{"type"},
		),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of failed attempts requeued for retry",
			},
			[]string{"type", "source"},
		),
		tasksDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dead_letter_total",
				Help:      "Total number of tasks moved to the dead letter queue",
			},
			[]string{"type", "source"},
		),
		tasksReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_reclaimed_total",
				Help:      "Total number of stale pending entries reclaimed",
			},
		),
		poisonDiscarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poison_entries_total",
				Help:      "Total number of undecodable task entries discarded",
			},
		),
		scaleUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_total",
				Help:      "Total number of scale-up decisions",
			},
		),
		loopErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_errors_total",
				Help:      "Errors hit by background loops, by component and class (transient or permanent)",
			},
			[]string{"component", "class"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Entries per queue state (pending, processing, completed, failed)",
			},
			[]string{"state"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Task handler duration in seconds",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"type", "status"},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_duration_seconds",
				Help:      "Time spent waiting on a claim from the task stream",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.tasksDispatched,
		m.tasksAcked,
		m.tasksRetried,
		m.tasksDeadLettered,
		m.tasksReclaimed,
		m.poisonDiscarded,
		m.scaleUps,
		m.loopErrors,
		m.queueDepth,
		m.handlerDuration,
		m.claimDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// TaskDispatched counts a dispatch.
func (m *Metrics) TaskDispatched(taskType, priority string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(taskType, priority).Inc()
}

// TaskAcked counts a success and observes the handler duration.
func (m *Metrics) TaskAcked(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksAcked.WithLabelValues(taskType).Inc()
	m.handlerDuration.WithLabelValues(taskType, "success").Observe(d.Seconds())
}

// HandlerFailed observes the duration of a failed handler run.
func (m *Metrics) HandlerFailed(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(taskType, "failed").Observe(d.Seconds())
}

// TaskRetried counts a requeue. source is "consumer" or "reclaimer".
func (m *Metrics) TaskRetried(taskType, source string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(taskType, source).Inc()
}

// TaskDeadLettered counts a DLQ append.
func (m *Metrics) TaskDeadLettered(taskType, source string) {
	if m == nil {
		return
	}
	m.tasksDeadLettered.WithLabelValues(taskType, source).Inc()
}

// TasksReclaimed adds n reclaimed entries.
func (m *Metrics) TasksReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksReclaimed.Add(float64(n))
}

// PoisonDiscarded counts an undecodable entry.
func (m *Metrics) PoisonDiscarded() {
	if m == nil {
		return
	}
	m.poisonDiscarded.Inc()
}

// ScaleUp counts a scale-up callback.
func (m *Metrics) ScaleUp() {
	if m == nil {
		return
	}
	m.scaleUps.Inc()
}

// LoopError counts an error seen by a background loop. Log and lease
// outages count as transient; everything else as permanent.
func (m *Metrics) LoopError(component string, err error) {
	if m == nil || err == nil {
		return
	}
	m.loopErrors.WithLabelValues(component, ErrorClass(err)).Inc()
}

// ErrorClass returns "transient" for errors worth backing off on and
// "permanent" otherwise.
func ErrorClass(err error) string {
	if errors.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// ClaimObserved records how long a claim call took.
func (m *Metrics) ClaimObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.claimDuration.Observe(d.Seconds())
}

// SetDepth publishes the queue depth gauges.
func (m *Metrics) SetDepth(pending, processing, completed, failed int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("processing").Set(float64(processing))
	m.queueDepth.WithLabelValues("completed").Set(float64(completed))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}
