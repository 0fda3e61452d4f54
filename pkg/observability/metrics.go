package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Protocol message metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_messages_total",
			Help: "Total number of protocol messages processed",
		},
		[]string{"direction", "type"},
	)

	messagesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_messages_rejected_total",
			Help: "Total number of inbound envelopes rejected",
		},
		[]string{"reason"},
	)

	duplicateMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwire_duplicate_messages_total",
			Help: "Total number of deduplicated replayed messages",
		},
	)

	// Task metrics
	taskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_task_transitions_total",
			Help: "Total number of task state transitions",
		},
		[]string{"status"},
	)

	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_tasks_active",
			Help: "Number of tasks currently tracked",
		},
	)

	// Permission metrics
	permissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_permission_denials_total",
			Help: "Total number of authorization denials",
		},
		[]string{"reason"},
	)

	// Registry metrics
	registeredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_registered_agents",
			Help: "Number of agents currently registered",
		},
	)

	// Dispatch metrics
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentwire_dispatch_duration_seconds",
			Help:    "Outbound dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the protocol metrics with the default
// Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			messagesRejectedTotal,
			duplicateMessagesTotal,
			taskTransitionsTotal,
			tasksActive,
			permissionDenialsTotal,
			registeredAgents,
			dispatchDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage records one processed protocol message.
func RecordMessage(direction, msgType string) {
	messagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordMessageRejected records a rejected inbound envelope.
func RecordMessageRejected(reason string) {
	messagesRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordDuplicateMessage records a deduplicated replay.
func RecordDuplicateMessage() {
	duplicateMessagesTotal.Inc()
}

// RecordTaskTransition records a task state transition.
func RecordTaskTransition(status string) {
	taskTransitionsTotal.WithLabelValues(status).Inc()
}

// SetActiveTasks sets the active tasks gauge.
func SetActiveTasks(count int) {
	tasksActive.Set(float64(count))
}

// RecordPermissionDenial records an authorization denial.
func RecordPermissionDenial(reason string) {
	permissionDenialsTotal.WithLabelValues(reason).Inc()
}

// SetRegisteredAgents sets the registered agents gauge.
func SetRegisteredAgents(count int) {
	registeredAgents.Set(float64(count))
}

// RecordDispatch records an outbound dispatch attempt.
func RecordDispatch(status string, duration time.Duration) {
	dispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}
