package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal is the per-job/per-status histogram from the data model:
	// the exact count of live task statuses per job.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedcore_tasks_total",
			Help: "Number of tasks by job key and schedule status",
		},
		[]string{"job", "status"},
	)

	WorkQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedcore_work_queue_length",
			Help: "Length of the transactional envelope's work queue, set on each enqueue and reset to zero when drained",
		},
	)

	StateManagerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedcore_state_manager_transitions_total",
			Help: "Total number of task schedule-status transitions applied",
		},
		[]string{"from", "to"},
	)

	IllegalTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedcore_state_manager_illegal_transitions_total",
			Help: "Total number of rejected illegal state-machine transitions",
		},
		[]string{"from", "to"},
	)

	PreemptionMissingAttributesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedcore_preemption_missing_attributes_total",
			Help: "Total number of preemption attempts that failed due to missing host attributes",
		},
	)

	PreemptionVictimsSelected = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedcore_preemption_victims_selected",
			Help:    "Number of victims selected per successful preemption",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13, 21},
		},
	)

	PreemptionAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedcore_preemption_attempt_duration_seconds",
			Help:    "Time taken to evaluate one preemption attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedcore_raft_apply_duration_seconds",
			Help:    "Time taken for a state manager operation to commit through Raft",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedcore_reconciliation_cycles_total",
			Help: "Total number of outstanding-task scan cycles completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedcore_reconciliation_duration_seconds",
			Help:    "Time taken for one outstanding-task scan cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedcore_tasks_abandoned_total",
			Help: "Total number of tasks removed via abandonTasks",
		},
	)

	TasksTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedcore_tasks_timed_out_total",
			Help: "Total number of tasks the outstanding-task scan found timed out and passed to the kill callback",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		WorkQueueLength,
		StateManagerTransitionsTotal,
		IllegalTransitionsTotal,
		PreemptionMissingAttributesTotal,
		PreemptionVictimsSelected,
		PreemptionAttemptDuration,
		RaftApplyDuration,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		TasksAbandonedTotal,
		TasksTimedOut,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec under the
// given label values.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
