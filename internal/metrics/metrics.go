package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook pipeline
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_requests_total",
			Help: "Webhook requests by outcome",
		},
		[]string{"outcome"}, // "processed", "ignored", "unauthorized", "invalid", "error"
	)

	WebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_webhook_duration_seconds",
			Help:    "End-to-end webhook processing time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	SafetyTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_safety_triggered_total",
			Help: "Messages routed to the support response",
		},
	)

	DependencyDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dependency_degraded_total",
			Help: "Requests that continued without a dependency",
		},
		[]string{"dependency"}, // "database", "cache", "retrieval"
	)

	// Generation
	GenerationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_generation_cache_hits_total",
			Help: "Responses served from the response cache",
		},
	)

	GenerationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_generation_cache_misses_total",
			Help: "Responses that required a model call",
		},
	)

	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_model_tokens_total",
			Help: "Tokens consumed by model calls",
		},
		[]string{"model"},
	)

	ModelCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_model_cost_usd_total",
			Help: "Estimated model spend in USD",
		},
		[]string{"model"},
	)

	ModelErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_model_errors_total",
			Help: "Failed model invocations answered with the fallback response",
		},
		[]string{"model"},
	)

	// Delivery
	DeliveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_requests_total",
			Help: "Outbound replies to the chat property by result",
		},
		[]string{"result"}, // "success", "failure", "rejected", "skipped"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Telemetry sink
	TelemetryQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_telemetry_events_queued_total",
			Help: "Analytics events accepted by the sink",
		},
	)

	TelemetryDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_telemetry_events_dropped_total",
			Help: "Analytics events discarded",
		},
		[]string{"reason"}, // "queue_full", "no_writer", "counter_backlog"
	)

	TelemetryFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_telemetry_events_flushed_total",
			Help: "Analytics events persisted",
		},
	)

	TelemetryFlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_telemetry_flush_failures_total",
			Help: "Batch writes that failed and were requeued",
		},
	)

	TelemetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_telemetry_queue_depth",
			Help: "Events waiting for the next flush",
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)
)
