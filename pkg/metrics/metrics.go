package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rebuild engine metrics
var (
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_rebuilds_total",
			Help: "Total number of message rebuild streams",
		},
		[]string{"mode", "status"}, // mode: full, text; status: success, failure
	)

	RebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crake_rebuild_duration_seconds",
			Help:    "Duration of message rebuild streams in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"mode"},
	)

	RebuildBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crake_rebuild_bytes_total",
			Help: "Total number of bytes emitted by rebuild streams",
		},
	)
)

// Attachment fetch metrics
var (
	AttachmentFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_attachment_fetches_total",
			Help: "Total number of externalized content fetches",
		},
		[]string{"scheme", "status"},
	)

	AttachmentFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crake_attachment_fetch_duration_seconds",
			Help:    "Time to open an externalized content stream in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"scheme"},
	)
)

// Ingest metrics
var (
	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_ingests_total",
			Help: "Total number of message ingests",
		},
		[]string{"status"},
	)

	IngestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crake_ingest_bytes_total",
			Help: "Total number of raw message bytes ingested",
		},
	)

	PartsExternalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_parts_externalized_total",
			Help: "Total number of message parts moved to the object store",
		},
		[]string{"form"}, // form: decoded, encoded
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crake_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_storage_operation_errors_total",
			Help: "Total number of storage operation errors by class",
		},
		[]string{"operation", "error_class"},
	)
)

// Cache metrics (local object cache)
var (
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crake_cache_size_bytes",
			Help: "Current cache size in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crake_cache_objects_total",
			Help: "Current number of objects in cache",
		},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crake_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crake_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
