package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Push events received, by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Push frames dropped before reaching the coordinator",
		},
		[]string{"reason"}, // "parse" or "unknown"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Automatic reconnect attempts",
		},
	)

	ReconnectExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_exhausted_total",
			Help: "Times automatic reconnection gave up",
		},
	)

	// Sync metrics
	DuplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_duplicates_suppressed_total",
			Help: "Messages not rendered because they were already visible",
		},
		[]string{"source"}, // "push", "rest", "fallback"
	)

	StaleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stale_responses_total",
			Help: "History responses discarded because the selection moved on",
		},
	)

	FallbackLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_fallback_loads_total",
			Help: "History loads that failed over to local state",
		},
		[]string{"result"}, // "cache" or "empty"
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_notifications_dropped_total",
			Help: "Passive notifications that failed or were throttled",
		},
	)

	// REST metrics
	RESTLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_rest_latency_seconds",
			Help:    "REST call latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"op"},
	)
)
