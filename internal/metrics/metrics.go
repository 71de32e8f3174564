// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Threading metrics
var (
	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_threads_created_total",
			Help: "Total number of conversation threads created",
		},
	)

	ThreadAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_thread_assignments_total",
			Help: "Total number of messages assigned to a thread, by match kind",
		},
		[]string{"match"},
	)

	ThreadAssignmentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_thread_assignment_failures_total",
			Help: "Total number of messages left unthreaded after an assignment error",
		},
	)
)

// Guard metrics
var (
	GuardEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_guard_evaluations_total",
			Help: "Total number of guard evaluations, by resolved action",
		},
		[]string{"action"},
	)

	GuardRuleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_guard_rule_errors_total",
			Help: "Total number of guard rules skipped because their config could not be evaluated",
		},
	)
)

// Delivery metrics
var (
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_inbound_messages_total",
			Help: "Total number of inbound messages processed, by result",
		},
		[]string{"result"},
	)

	OutboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_outbound_messages_total",
			Help: "Total number of outbound messages, by result",
		},
		[]string{"result"},
	)
)

var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mailhook_db_query_duration_seconds",
		Help:    "Duration of database operations in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
	},
	[]string{"operation"},
)

// ObserveDB records the time elapsed since start for a database operation.
// Use as: defer metrics.ObserveDB("assign_thread", time.Now())
func ObserveDB(operation string, start time.Time) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
