package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"workq/internal/domain"
)

type PromMetrics struct {
	submitted *prometheus.CounterVec
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	deleted   prometheus.Counter
	reclaimed prometheus.Counter
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workq_tasks_submitted_total",
			Help: "Number of submitted tasks",
		}, []string{"task"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workq_tasks_started_total",
			Help: "Number of tasks whose execution started",
		}, []string{"task"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workq_tasks_finished_total",
			Help: "Number of tasks that reached a terminal state",
		}, []string{"task", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workq_task_duration_seconds",
			Help:    "Execution time of tasks",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workq_scheduler_in_flight",
			Help: "Tasks currently executing in this process",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workq_tasks_cleaned_total",
			Help: "Number of terminal tasks deleted after their result ttl",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workq_tasks_reclaimed_total",
			Help: "Number of stuck created tasks moved to failed",
		}),
	}
	reg.MustRegister(m.submitted, m.started, m.finished, m.duration, m.inFlight, m.deleted, m.reclaimed)
	return m
}

func (m *PromMetrics) TaskSubmitted(name string) {
	m.submitted.WithLabelValues(name).Inc()
}

func (m *PromMetrics) TaskStarted(name string) {
	m.started.WithLabelValues(name).Inc()
}

func (m *PromMetrics) TaskFinished(name string, state domain.Status, d time.Duration) {
	m.finished.WithLabelValues(name, string(state)).Inc()
	m.duration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *PromMetrics) InFlight(n int) {
	m.inFlight.Set(float64(n))
}

func (m *PromMetrics) TasksCleaned(deleted, failed int) {
	m.deleted.Add(float64(deleted))
	m.reclaimed.Add(float64(failed))
}
