package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublishedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "bus",
		Name:      "published_messages_total",
		Help:      "Total number of messages appended to a topic.",
	}, []string{"topic"})
	metricPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "bus",
		Name:      "publish_failures_total",
		Help:      "Total number of failed publishes.",
	}, []string{"topic"})

	metricProcessedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "consumer",
		Name:      "processed_messages_total",
		Help:      "Total number of messages successfully handled.",
	}, []string{"group"})
	metricFailedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "consumer",
		Name:      "failed_messages_total",
		Help:      "Total number of handler failures, including ones that were later retried.",
	}, []string{"group"})
	metricRetriedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "consumer",
		Name:      "retried_messages_total",
		Help:      "Total number of redeliveries scheduled after a handler failure.",
	}, []string{"group"})
	metricDeadLetterMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "consumer",
		Name:      "dead_letter_messages_total",
		Help:      "Total number of messages given up on after exhausting retries.",
	}, []string{"group"})
	metricBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "conveyor",
		Subsystem:                       "consumer",
		Name:                            "batch_duration_seconds",
		Help:                            "Time spent processing one polled batch.",
		Buckets:                         prometheus.ExponentialBuckets(0.001, 4, 8),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 1 * time.Hour,
	}, []string{"group"})
)
