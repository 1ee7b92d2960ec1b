package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housekeeper_tasks_submitted_total",
			Help: "Total number of cleanup tasks submitted by task type.",
		},
		[]string{"task_type"},
	)

	SubmitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "housekeeper_submit_failures_total",
			Help: "Total number of task batches rejected by the channel.",
		},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housekeeper_tasks_processed_total",
			Help: "Total number of processed cleanup tasks by type and outcome.",
		},
		[]string{"task_type", "status"}, // ok, retry, dead_letter
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housekeeper_retries_total",
			Help: "Total number of task retries by reason.",
		},
		[]string{"reason"}, // timeout, store_unavailable, canceled, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housekeeper_dlq_total",
			Help: "Total number of tasks moved to the dead-letter sink.",
		},
		[]string{"task_type", "reason"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "housekeeper_handler_duration_seconds",
			Help:    "Cleanup handler latency by task type.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"task_type"},
	)

	InFlightKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "housekeeper_inflight_keys",
			Help: "Number of ordering keys currently held by a worker.",
		},
	)

	PendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "housekeeper_pending_tasks",
			Help: "Tasks fetched from the channel and waiting for their key.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "housekeeper_nsq_depth",
			Help: "NSQ depth per topic/channel as reported by nsqd /stats.",
		},
		[]string{"topic", "channel"},
	)

	EntitiesRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housekeeper_entities_removed_total",
			Help: "Entities deleted by tenant teardown, by entity type and path.",
		},
		[]string{"entity_type", "path"}, // path: pipeline, fallback
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksSubmittedTotal,
		SubmitFailuresTotal,
		TasksProcessedTotal,
		RetriesTotal,
		DLQTotal,
		HandlerDuration,
		InFlightKeys,
		PendingTasks,
		NSQTopicDepth,
		EntitiesRemovedTotal,
	)
}

func RecordSubmitted(taskType string) {
	TasksSubmittedTotal.WithLabelValues(taskType).Inc()
}

func RecordSubmitFailure() {
	SubmitFailuresTotal.Inc()
}

func RecordProcessed(taskType, status string, took time.Duration) {
	TasksProcessedTotal.WithLabelValues(taskType, status).Inc()
	HandlerDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(taskType, reason string) {
	DLQTotal.WithLabelValues(taskType, reason).Inc()
}

func RecordEntitiesRemoved(entityType, path string, n int) {
	EntitiesRemovedTotal.WithLabelValues(entityType, path).Add(float64(n))
}

func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
