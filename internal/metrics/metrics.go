package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnrichmentSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_enrichment_success_total",
		Help: "Events enriched with the authoritative lease record.",
	})

	EnrichmentFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_enrichment_failure_total",
		Help: "Events whose enrichment degraded to event fields only.",
	})

	LookupSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_lookup_skipped_total",
		Help: "Events without a usable subject key; no lookup attempted.",
	})

	LeaseNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_lease_not_found_total",
		Help: "Lease lookups that found no record.",
	})

	DynamoDBError = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_dynamodb_error_total",
		Help: "Lease store failures, labelled by error type (NotFound, Throttled, Timeout, Other).",
	}, []string{"error_type"})

	NotificationSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_notification_success_total",
		Help: "Notifications accepted by a channel, labelled by channel.",
	}, []string{"channel"})

	NotificationFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_notification_failure_total",
		Help: "Notifications that failed, labelled by channel and error kind.",
	}, []string{"channel", "error_kind"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_dead_letter_total",
		Help: "Events written to the dead-letter sink, labelled by error kind.",
	}, []string{"error_kind"})

	Alarms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_alarms_total",
		Help: "Alarm-worthy failures (security, critical), labelled by error kind.",
	}, []string{"error_kind"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ndx_notify_events_processed_total",
		Help: "Pipeline runs by final status (sent, skipped-duplicate, failed, aborted).",
	}, []string{"status"})

	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_events_enqueued_total",
		Help: "Events placed on the processing queue.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_events_dropped_total",
		Help: "Events rejected because the processing queue was full.",
	})

	PayloadTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndx_notify_payload_truncations_total",
		Help: "Payloads that exceeded the size cap and lost fields.",
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ndx_notify_circuit_state",
		Help: "Channel circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"channel"})

	EnrichmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ndx_notify_enrichment_duration_ms",
		Help:    "Lease lookup and merge latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
	})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ndx_notify_event_processing_duration_ms",
		Help:    "End-to-end pipeline latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ndx_notify_queue_utilization_ratio",
		Help: "Current event queue utilization (0–1).",
	})
)
