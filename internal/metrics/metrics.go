// Package metrics declares the Prometheus instruments of the adapter.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rulesadapter"

var (
	// SituationUpdates counts accepted situation writes.
	SituationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "situation_updates_total",
		Help:      "Accepted situation updates.",
	})

	// RejectedEntries counts situation entries dropped by the filter.
	RejectedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "situation_rejected_entries_total",
		Help:      "Situation entries dropped by validation, by reason.",
	}, []string{"reason"})

	// Evaluations counts rule evaluations by outcome (ok, error).
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Rule evaluations by outcome.",
	}, []string{"outcome"})

	// BatchDuration observes the duration of batch evaluations.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_batch_duration_seconds",
		Help:      "Duration of batch evaluations.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	// NotificationsSent counts notifications handed to a consumer.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Notifications delivered to a consumer, by type.",
	}, []string{"type"})

	// NotificationsDropped counts notifications a full consumer could not take.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because the consumer was full, by type.",
	}, []string{"type"})

	// HTTPResponses counts HTTP responses by status class (2xx, 4xx, 5xx).
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_responses_total",
		Help:      "HTTP responses by status class.",
	}, []string{"class"})
)

// ObserveStatus records an HTTP response status.
func ObserveStatus(status int) {
	HTTPResponses.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
