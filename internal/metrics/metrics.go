// Package metrics holds trellis' Prometheus collectors.
//
// Labels stay low-cardinality: route patterns, never raw paths or ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts served requests by chi route pattern, method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_http_requests_total",
		Help: "Total number of HTTP requests, by route pattern, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration observes request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trellis_http_request_duration_seconds",
		Help:    "HTTP request latency, by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// PipelineBuildsTotal counts middleware pipelines built by the registry.
	PipelineBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_middleware_pipeline_builds_total",
		Help: "Total number of middleware pipelines built, by result.",
	}, []string{"result"})

	// NotificationsTotal counts notification deliveries by channel and outcome
	// (sent, failed, deduped, dropped).
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_notifications_total",
		Help: "Total number of notification deliveries, by channel and outcome.",
	}, []string{"channel", "outcome"})

	// NotifierQueueDepth tracks the dispatcher queue length.
	NotifierQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trellis_notifier_queue_depth",
		Help: "Current number of queued notification jobs.",
	})
)
