package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorpulse_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorpulse_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestMeasurementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_ingest_measurements_total",
			Help: "Total number of measurements received",
		},
		[]string{"mode", "status"}, // mode: single, batch; status: accepted, rejected, failed
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorpulse_ingest_batch_size",
			Help:    "Size of measurement batches received",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_ingest_validation_errors_total",
			Help: "Total number of validation errors",
		},
		[]string{"error_type"},
	)

	SensorsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorpulse_sensors_created_total",
			Help: "Total number of sensors created on first sight",
		},
	)

	// Evaluation metrics
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"kind", "status"}, // status: ok, fired, duplicate, failed
	)

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_alerts_fired_total",
			Help: "Total number of alerts fired",
		},
		[]string{"kind"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorpulse_evaluation_duration_seconds",
			Help:    "Time taken to evaluate all rules of a sensor for one reading",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorpulse_worker_queue_size",
			Help: "Current number of messages waiting for a worker",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorpulse_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorpulse_worker_processed_total",
			Help: "Total number of messages handled by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorpulse_worker_failed_total",
			Help: "Total number of messages whose handler failed",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorpulse_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorpulse_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorpulse_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Kafka consumer metrics
	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_consumer_messages_total",
			Help: "Total number of consumed messages by outcome",
		},
		[]string{"outcome"}, // outcome: ack, requeue, discard, skipped
	)

	ConsumerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorpulse_consumer_in_flight",
			Help: "Messages fetched but not yet resolved",
		},
	)

	// Dispatcher metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_notifications_total",
			Help: "Total number of notification attempts",
		},
		[]string{"status"}, // status: delivered, failed
	)

	DispatchCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_dispatch_cycles_total",
			Help: "Total number of dispatcher cycles",
		},
		[]string{"status"}, // status: ok, error
	)

	DispatchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorpulse_dispatch_pending",
			Help: "Undelivered alerts seen by the last dispatcher cycle",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorpulse_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
