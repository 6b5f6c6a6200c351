// Package metrics provides Prometheus instrumentation for the chat
// surface: session counts, message throughput, merge and send latency,
// and transport health counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the current number of live room sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_sessions",
		Help: "Current number of live room sessions",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "received", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "received", "failed"

	// SendLatency records time from optimistic append to publish return.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_send_latency_seconds",
		Help:    "Time to publish a message after the optimistic append",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MergeDuration records how long recomputing a merged room view takes.
	MergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_merge_duration_seconds",
		Help:    "Time to merge history and live buffer into a room view",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	// SubscriptionFailures counts room subscriptions that failed to open.
	SubscriptionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_subscription_failures_total",
		Help: "Total number of failed room subscription attempts",
	})

	// StaleEventsDropped counts events discarded because they carried a
	// superseded subscription generation.
	StaleEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_stale_events_dropped_total",
		Help: "Total number of events dropped from superseded subscriptions",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		MessagesTotal,
		SendLatency,
		MergeDuration,
		SubscriptionFailures,
		StaleEventsDropped,
	)
}

// NewSendTimer starts a timer that observes into SendLatency.
func NewSendTimer() *prometheus.Timer {
	return prometheus.NewTimer(SendLatency)
}

// NewMergeTimer starts a timer that observes into MergeDuration.
func NewMergeTimer() *prometheus.Timer {
	return prometheus.NewTimer(MergeDuration)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
