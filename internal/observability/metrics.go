package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	SyncsTotal       *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	ChunksNewTotal   prometheus.Counter
	ChunksDedupTotal prometheus.Counter
	BytesUploaded    prometheus.Counter

	RemotePutRetriesTotal *prometheus.CounterVec
	RemotePutDuration     prometheus.Histogram

	IntegrityWarningsTotal *prometheus.CounterVec
	IntegrityFatalTotal    *prometheus.CounterVec

	RestoresTotal   *prometheus.CounterVec
	RestoreDuration prometheus.Histogram

	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics against a
// private registry. Each call returns an independently registered set of
// metrics, so constructing more than one Metrics in the same process
// (as tests that build several Uploaders/Reconstructors do) never
// collides on the global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_syncs_total",
				Help: "Total sync runs, by outcome",
			},
			[]string{"status"},
		),

		SyncDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dust_sync_duration_seconds",
				Help:    "Sync run duration distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
		),

		ChunksNewTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dust_chunks_new_total",
				Help: "Chunks newly encrypted and uploaded",
			},
		),

		ChunksDedupTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dust_chunks_deduplicated_total",
				Help: "Chunks resolved via a pool hit instead of upload",
			},
		),

		BytesUploaded: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dust_bytes_uploaded_total",
				Help: "Total envelope bytes uploaded",
			},
		),

		RemotePutRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_remote_put_retries_total",
				Help: "Retried remote put attempts, by op",
			},
			[]string{"op"},
		),

		RemotePutDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dust_remote_put_duration_seconds",
				Help:    "Remote put latency including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
		),

		IntegrityWarningsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_integrity_warnings_total",
				Help: "Non-fatal integrity mismatches (ciphertext digest)",
			},
			[]string{"stage"},
		),

		IntegrityFatalTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_integrity_fatal_total",
				Help: "Fatal integrity failures (AEAD auth, plaintext digest)",
			},
			[]string{"stage"},
		),

		RestoresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_restores_total",
				Help: "Total restore runs, by outcome",
			},
			[]string{"status"},
		),

		RestoreDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dust_restore_duration_seconds",
				Help:    "Restore run duration distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
		),

		CryptoOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dust_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dust_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}
}

// RecordSyncComplete records sync completion metrics.
func (m *Metrics) RecordSyncComplete(success bool, durationSeconds float64) {
	status := "completed"
	if !success {
		status = "pending"
	}
	m.SyncsTotal.WithLabelValues(status).Inc()
	m.SyncDuration.Observe(durationSeconds)
}

// RecordChunkNew records a newly uploaded chunk.
func (m *Metrics) RecordChunkNew(envelopeBytes int) {
	m.ChunksNewTotal.Inc()
	m.BytesUploaded.Add(float64(envelopeBytes))
}

// RecordChunkDedup records a chunk resolved via dedup.
func (m *Metrics) RecordChunkDedup() {
	m.ChunksDedupTotal.Inc()
}

// RecordRetry records a retried remote operation.
func (m *Metrics) RecordRetry(op string) {
	m.RemotePutRetriesTotal.WithLabelValues(op).Inc()
}

// RecordIntegrityWarning records a non-fatal integrity mismatch.
func (m *Metrics) RecordIntegrityWarning(stage string) {
	m.IntegrityWarningsTotal.WithLabelValues(stage).Inc()
}

// RecordIntegrityFatal records a fatal integrity failure.
func (m *Metrics) RecordIntegrityFatal(stage string) {
	m.IntegrityFatalTotal.WithLabelValues(stage).Inc()
}

// RecordRestoreComplete records restore completion metrics.
func (m *Metrics) RecordRestoreComplete(success bool, durationSeconds float64) {
	status := "ok"
	if !success {
		status = "aborted"
	}
	m.RestoresTotal.WithLabelValues(status).Inc()
	m.RestoreDuration.Observe(durationSeconds)
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// Handler exposes this instance's Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
