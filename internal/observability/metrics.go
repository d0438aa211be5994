package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the cache server.
type Metrics struct {
	// Upload metrics
	UploadsTotal        *prometheus.CounterVec
	UploadsActive       prometheus.Gauge
	UploadDuration       prometheus.Histogram
	UploadedBytesTotal  *prometheus.CounterVec

	// Download metrics
	NarinfoRequestsTotal *prometheus.CounterVec
	NarRequestsTotal     *prometheus.CounterVec
	DownloadedBytesTotal prometheus.Counter
	DownloadDuration     prometheus.Histogram

	// Chunking metrics
	ChunksProducedTotal prometheus.Counter
	ChunkSizeBytes      prometheus.Histogram
	ChunkDedupedTotal   prometheus.Counter
	ChunksUploadedTotal prometheus.Counter
	BytesStoredTotal    prometheus.Counter

	// Manifest / storage metrics
	ManifestWritesTotal *prometheus.CounterVec
	StorageOperationsTotal *prometheus.CounterVec
	StorageOperationDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		UploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_uploads_total",
				Help: "Total upload-path requests",
			},
			[]string{"status"},
		),

		UploadsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nixcache_uploads_active",
				Help: "Currently in-flight uploads",
			},
		),

		UploadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixcache_upload_duration_seconds",
				Help:    "Upload completion time distribution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1200},
			},
		),

		UploadedBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_uploaded_bytes_total",
				Help: "Total bytes accepted by upload-path, by form (only nar is recorded)",
			},
			[]string{"form"},
		),

		NarinfoRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_narinfo_requests_total",
				Help: "Total .narinfo requests",
			},
			[]string{"result"},
		),

		NarRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_nar_requests_total",
				Help: "Total .nar requests",
			},
			[]string{"result"},
		),

		DownloadedBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nixcache_downloaded_bytes_total",
				Help: "Total bytes streamed to clients via .nar responses",
			},
		),

		DownloadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixcache_download_duration_seconds",
				Help:    "Time to stream a full .nar response",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		ChunksProducedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nixcache_chunks_produced_total",
				Help: "Total chunks produced by the content-defined chunker",
			},
		),

		ChunkSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixcache_chunk_size_bytes",
				Help:    "Distribution of produced chunk sizes",
				Buckets: prometheus.ExponentialBuckets(16384, 2, 6),
			},
		),

		ChunkDedupedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nixcache_chunk_deduped_total",
				Help: "Chunks whose content hash was already present in storage",
			},
		),

		ChunksUploadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nixcache_chunks_uploaded_total",
				Help: "Chunks actually written to the storage backend (excludes deduped chunks)",
			},
		),

		BytesStoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nixcache_bytes_stored_total",
				Help: "Sum of compressed chunk sizes written to the storage backend",
			},
		),

		ManifestWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_manifest_writes_total",
				Help: "Archive manifest writes, by result",
			},
			[]string{"result"},
		),

		StorageOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixcache_storage_operations_total",
				Help: "Storage backend operations, by operation and result",
			},
			[]string{"operation", "result"},
		),

		StorageOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixcache_storage_operation_duration_seconds",
				Help:    "Storage backend operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),
	}

	return m
}

// RecordUploadStart increments the active-uploads gauge.
func (m *Metrics) RecordUploadStart() {
	m.UploadsActive.Inc()
}

// RecordUploadComplete records upload completion metrics.
func (m *Metrics) RecordUploadComplete(success bool, durationSeconds float64, narSize int64) {
	m.UploadsActive.Dec()

	status := "success"
	if !success {
		status = "failure"
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
	m.UploadDuration.Observe(durationSeconds)
	if success {
		m.UploadedBytesTotal.WithLabelValues("nar").Add(float64(narSize))
	}
}

// RecordNarinfoRequest records a .narinfo lookup outcome.
func (m *Metrics) RecordNarinfoRequest(found bool) {
	result := "hit"
	if !found {
		result = "miss"
	}
	m.NarinfoRequestsTotal.WithLabelValues(result).Inc()
}

// RecordNarRequest records a .nar request outcome and, on success, the
// streamed byte count and latency.
func (m *Metrics) RecordNarRequest(found bool, bytesServed int64, durationSeconds float64) {
	result := "hit"
	if !found {
		result = "miss"
	}
	m.NarRequestsTotal.WithLabelValues(result).Inc()
	if found {
		m.DownloadedBytesTotal.Add(float64(bytesServed))
		m.DownloadDuration.Observe(durationSeconds)
	}
}

// RecordChunkProduced records a chunk emitted by the chunker.
func (m *Metrics) RecordChunkProduced(size int) {
	m.ChunksProducedTotal.Inc()
	m.ChunkSizeBytes.Observe(float64(size))
}

// RecordChunkDeduped records a chunk whose content already existed in storage.
func (m *Metrics) RecordChunkDeduped() {
	m.ChunkDedupedTotal.Inc()
}

// RecordChunkStored records a chunk actually written to the storage backend,
// keyed by its compressed size.
func (m *Metrics) RecordChunkStored(compressedSize int) {
	m.ChunksUploadedTotal.Inc()
	m.BytesStoredTotal.Add(float64(compressedSize))
}

// RecordManifestWrite records an archive manifest write outcome.
func (m *Metrics) RecordManifestWrite(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.ManifestWritesTotal.WithLabelValues(status).Inc()
}

// RecordStorageOperation records a storage backend call.
func (m *Metrics) RecordStorageOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StorageOperationDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
