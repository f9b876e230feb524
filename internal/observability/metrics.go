package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics this module exercises.
type Metrics struct {
	DownloadsTotal         *prometheus.CounterVec
	DownloadsActive        prometheus.Gauge
	DownloadDuration       prometheus.Histogram
	BytesDownloadedTotal   prometheus.Counter
	ChunkRetriesTotal      *prometheus.CounterVec
	DiskSpaceAvailableBytes prometheus.Gauge

	activeDownloads int64
}

// NewMetrics creates and registers the module's Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldl_downloads_total",
				Help: "Total downloads initiated, labeled by outcome",
			},
			[]string{"status"},
		),

		DownloadsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modeldl_downloads_active",
				Help: "Currently in-flight downloads",
			},
		),

		DownloadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modeldl_download_duration_seconds",
				Help:    "Download completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesDownloadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "modeldl_bytes_downloaded_total",
				Help: "Total bytes successfully downloaded",
			},
		),

		ChunkRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldl_chunk_retries_total",
				Help: "Chunk fetch retries, labeled by reason",
			},
			[]string{"reason"},
		),

		DiskSpaceAvailableBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modeldl_disk_space_available_bytes",
				Help: "Free space on the storage volume as last observed by the disk guard",
			},
		),
	}
}

// RecordDownloadStart increments the active-downloads gauge.
func (m *Metrics) RecordDownloadStart() {
	n := atomic.AddInt64(&m.activeDownloads, 1)
	m.DownloadsActive.Set(float64(n))
}

// RecordDownloadComplete records terminal download outcome metrics.
func (m *Metrics) RecordDownloadComplete(success bool, durationSeconds float64) {
	n := atomic.AddInt64(&m.activeDownloads, -1)
	m.DownloadsActive.Set(float64(n))

	status := "success"
	if !success {
		status = "failure"
	}
	m.DownloadsTotal.WithLabelValues(status).Inc()
	m.DownloadDuration.Observe(durationSeconds)
}

// RecordChunkDownloaded updates byte-total metrics for a validated chunk.
func (m *Metrics) RecordChunkDownloaded(bytes int64) {
	m.BytesDownloadedTotal.Add(float64(bytes))
}

// RecordChunkRetry increments the retry counter for a given failure reason.
func (m *Metrics) RecordChunkRetry(reason string) {
	m.ChunkRetriesTotal.WithLabelValues(reason).Inc()
}

// SetDiskSpaceAvailable records the last disk-space-guard observation.
func (m *Metrics) SetDiskSpaceAvailable(bytes int64) {
	m.DiskSpaceAvailableBytes.Set(float64(bytes))
}

// Handler exposes the Prometheus metrics endpoint for callers that run
// their own HTTP server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
