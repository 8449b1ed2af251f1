// Package metrics holds the Prometheus collectors for the delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts successful sends.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_messages_sent_total",
		Help: "Number of messages successfully handed to the channel.",
	})

	// MessagesFailed counts terminally failed recipients.
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_messages_failed_total",
		Help: "Number of recipients that terminally failed.",
	})

	// MessagesRetried counts retryable failures that were rescheduled.
	MessagesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_messages_retried_total",
		Help: "Number of sends rescheduled after a retryable failure.",
	})

	// SessionReconnects counts reconnect attempts by outcome.
	SessionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_session_reconnects_total",
		Help: "Number of session reconnect attempts by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks the number of queued work items.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_dispatch_queue_depth",
		Help: "Number of work items waiting in the dispatch queue.",
	})
)
