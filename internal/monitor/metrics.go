// Package monitor exports Prometheus metrics and samples host resource usage
// for the scheduler status snapshot.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	gatherer prometheus.Gatherer

	// Scheduler
	jobsTotal     *prometheus.CounterVec
	taskRetries   *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	workersActive prometheus.Gauge
	queueDepth    prometheus.Gauge

	// Alerts
	alertsTriggered   *prometheus.CounterVec
	anomaliesReported prometheus.Counter
	anomaliesResolved *prometheus.CounterVec
	businessEvents    *prometheus.CounterVec
	actionFailures    *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_jobs_total",
				Help: "Total number of task attempts by outcome",
			},
			[]string{"kind", "status"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_task_retries_total",
				Help: "Total number of retries scheduled after a failed attempt",
			},
			[]string{"kind"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_task_duration_seconds",
				Help:    "Task attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		workersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_workers_active",
				Help: "Number of workers running an attempt",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_queue_depth",
				Help: "Number of due tasks waiting for a worker",
			},
		),
		alertsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_triggered_total",
				Help: "Total number of alert levels triggered",
			},
			[]string{"level"},
		),
		anomaliesReported: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anomalies_reported_total",
				Help: "Total number of anomalies opened",
			},
		),
		anomaliesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anomalies_resolved_total",
				Help: "Total number of anomalies resolved",
			},
			[]string{"source"},
		),
		businessEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "business_events_total",
				Help: "Total number of business events handled",
			},
			[]string{"event_type"},
		),
		actionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_action_failures_total",
				Help: "Total number of alert actions that could not be dispatched",
			},
			[]string{"action"},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.taskRetries,
		m.taskDuration,
		m.workersActive,
		m.queueDepth,
		m.alertsTriggered,
		m.anomaliesReported,
		m.anomaliesResolved,
		m.businessEvents,
		m.actionFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveExecution(kind model.TaskKind, status model.TaskStatus, duration time.Duration) {
	m.jobsTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.taskDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRetry(kind model.TaskKind) {
	m.taskRetries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SetWorkersActive(n int) {
	m.workersActive.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AlertTriggered(level string) {
	m.alertsTriggered.WithLabelValues(level).Inc()
}

func (m *Metrics) AnomalyReported() {
	m.anomaliesReported.Inc()
}

func (m *Metrics) AnomalyResolved(source model.ResolutionSource) {
	m.anomaliesResolved.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) BusinessEvent(eventType string) {
	m.businessEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ActionFailed(action model.ActionType) {
	m.actionFailures.WithLabelValues(string(action)).Inc()
}
