package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Ingestion pipeline metrics
	ReadingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_readings_ingested_total",
			Help: "Total number of readings submitted to the pipeline",
		},
		[]string{"source", "status"}, // status: accepted, rejected, failed
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_ingest_validation_errors_total",
			Help: "Total number of rejected submissions by field",
		},
		[]string{"field"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "healthsense_ingest_duration_seconds",
			Help:    "Time taken to score, evaluate and commit one reading",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_alerts_raised_total",
			Help: "Total number of alert events raised",
		},
		[]string{"condition", "severity"},
	)

	AlertsAcknowledgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_alerts_acknowledged_total",
			Help: "Total number of alert acknowledgements",
		},
	)

	RiskScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_risk_score",
			Help:    "Distribution of computed risk probabilities",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 9),
		},
		[]string{"condition"},
	)

	// Durable store metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_store_operation_duration_seconds",
			Help:    "Durable store operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_store_errors_total",
			Help: "Total number of durable store failures",
		},
		[]string{"operation"},
	)

	// Transitional cache metrics
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_cache_evictions_total",
			Help: "Total number of entries evicted from the transitional cache",
		},
		[]string{"buffer"},
	)

	CacheFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_cache_fallbacks_total",
			Help: "Total number of queries answered from the cache because the store failed or was empty",
		},
		[]string{"query"},
	)

	// Broadcast metrics
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsense_broadcast_subscribers",
			Help: "Current number of connected dashboard subscribers",
		},
	)

	BroadcastDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_broadcast_delivered_total",
			Help: "Total number of events queued to subscribers",
		},
	)

	BroadcastDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_broadcast_dropped_total",
			Help: "Total number of events dropped for slow or failed subscribers",
		},
		[]string{"reason"}, // reason: queue_full, write_failed, relay_full
	)

	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_relay_messages_total",
			Help: "Total number of envelopes moved through the redis relay",
		},
		[]string{"direction", "status"},
	)

	// Outbound event stream worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsense_worker_queue_size",
			Help: "Current size of the outbound event queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsense_worker_queue_capacity",
			Help: "Capacity of the outbound event queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_worker_processed_total",
			Help: "Total number of envelopes published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_worker_failed_total",
			Help: "Total number of envelopes workers failed to publish",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_worker_dropped_total",
			Help: "Total number of envelopes dropped because the outbound queue was full",
		},
	)

	WorkerAlertFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_worker_alert_flushes_total",
			Help: "Total number of batches flushed early because they carried alerts",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "healthsense_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"stream", "status"}, // stream: readings, alerts
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "healthsense_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Device-side ingest sources
	SourceMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_source_messages_total",
			Help: "Total number of messages read from kafka/mqtt ingest sources",
		},
		[]string{"source", "status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
