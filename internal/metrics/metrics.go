package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_messages_published_total",
			Help: "Total number of task messages published by priority.",
		},
		[]string{"priority"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_tasks_total",
			Help: "Total number of task executions by outcome.",
		},
		[]string{"task", "outcome"}, // success, ignored, retry, failed
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhawk_task_duration_seconds",
			Help:    "Task function execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	InvalidMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhawk_invalid_messages_total",
			Help: "Total number of received messages that failed to parse or validate.",
		},
	)

	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_hook_failures_total",
			Help: "Total number of hook failures by hook.",
		},
		[]string{"hook"}, // pre_process, post_process, heartbeat
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_dead_lettered_total",
			Help: "Total number of messages diverted to a dead-letter queue after exhausting retries.",
		},
		[]string{"queue"},
	)

	RequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_requeued_total",
			Help: "Total number of dead-lettered messages republished to their primary queue.",
		},
		[]string{"queue"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhawk_heartbeats_total",
			Help: "Total number of successful heartbeat hook invocations.",
		},
	)

	PullErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhawk_pull_errors_total",
			Help: "Total number of failed pulls from a queue.",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhawk_queue_depth",
			Help: "Current depth of a broker topic/channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		MessagesPublishedTotal,
		TasksTotal,
		TaskDurationSeconds,
		InvalidMessagesTotal,
		HookFailuresTotal,
		DeadLetteredTotal,
		RequeuedTotal,
		HeartbeatsTotal,
		PullErrorsTotal,
		QueueDepth,
	)
}

// RecordPublished counts one published message.
func RecordPublished(priority string) {
	MessagesPublishedTotal.WithLabelValues(priority).Inc()
}

// RecordTask counts one task execution and observes its duration.
func RecordTask(task, outcome string, duration time.Duration) {
	TasksTotal.WithLabelValues(task, outcome).Inc()
	TaskDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

func RecordInvalidMessage() {
	InvalidMessagesTotal.Inc()
}

func RecordHookFailure(hook string) {
	HookFailuresTotal.WithLabelValues(hook).Inc()
}

func RecordDeadLettered(queue string) {
	DeadLetteredTotal.WithLabelValues(queue).Inc()
}

func RecordRequeued(queue string) {
	RequeuedTotal.WithLabelValues(queue).Inc()
}

func RecordHeartbeat() {
	HeartbeatsTotal.Inc()
}

func RecordPullError(queue string) {
	PullErrorsTotal.WithLabelValues(queue).Inc()
}

// UpdateQueueDepth sets the depth gauge for a topic/channel pair.
func UpdateQueueDepth(topic, channel string, depth int64) {
	QueueDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
