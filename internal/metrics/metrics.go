// Package metrics registers the Prometheus instruments for the
// watermarking pipeline. A nil *Metrics is valid everywhere and records
// nothing, so services do not need wiring in tests.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

// Metrics holds all Prometheus metrics for the watermarking pipeline.
type Metrics struct {
	// Embedding
	EmbedTotal    *prometheus.CounterVec
	EmbedPSNR     *prometheus.HistogramVec
	EmbedDuration *prometheus.HistogramVec

	// Session frame flow
	FramesTotal    *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	SessionsActive prometheus.Gauge
	RotationsTotal *prometheus.CounterVec

	// Detection
	ExtractTotal   *prometheus.CounterVec
	ScansTotal     *prometheus.CounterVec
	ScanDuration   *prometheus.HistogramVec
	ScanConfidence prometheus.Histogram

	// Edges
	WebhooksTotal *prometheus.CounterVec
	AlertsTotal   *prometheus.CounterVec

	// Storage
	DataDirBytes  prometheus.Gauge
	DiskFreeBytes prometheus.Gauge
}

// New creates all metrics on the given registerer. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EmbedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_embed_total",
				Help: "Embedding attempts by codec and result",
			},
			[]string{"codec", "status"}, // status: ok, quality_floor, capacity_exceeded, error
		),

		EmbedPSNR: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealmark_embed_psnr_db",
				Help:    "Measured PSNR of marked frames against their originals",
				Buckets: []float64{35, 38, 40, 42, 44, 46, 48, 50, 55, 60},
			},
			[]string{"codec"},
		),

		EmbedDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealmark_embed_duration_seconds",
				Help:    "Wall time of a single frame embed",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"codec"},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_frames_total",
				Help: "Frames submitted to session workers by disposition",
			},
			[]string{"disposition"}, // queued, dropped_oldest, rejected
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sealmark_queue_depth",
				Help: "Frames waiting per active session",
			},
			[]string{"session_id"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sealmark_sessions_active",
				Help: "Sessions currently accepting frames",
			},
		),

		RotationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_rotations_total",
				Help: "Payload rotations by trigger",
			},
			[]string{"trigger"}, // interval, manual
		),

		ExtractTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_extract_total",
				Help: "Extraction attempts by codec and outcome",
			},
			[]string{"codec", "outcome"},
		),

		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_scans_total",
				Help: "Completed scans by verdict",
			},
			[]string{"verdict"},
		),

		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealmark_scan_duration_seconds",
				Help:    "Wall time of a full sample scan",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"verdict"},
		),

		ScanConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sealmark_scan_confidence",
				Help:    "Attribution confidence of completed scans",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
			},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_provider_webhooks_total",
				Help: "Inbound provider webhooks by provider and result",
			},
			[]string{"provider", "status"}, // status: ok, invalid, error
		),

		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealmark_alert_deliveries_total",
				Help: "Outbound security alert deliveries by result",
			},
			[]string{"status"}, // delivered, retried, exhausted, error
		),

		DataDirBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sealmark_data_dir_bytes",
				Help: "Bytes occupied by the data directory (history db and WAL)",
			},
		),

		DiskFreeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sealmark_disk_free_bytes",
				Help: "Free bytes on the filesystem holding the data directory",
			},
		),
	}
}

// RecordEmbed records one embed attempt. The error, when present, picks
// the status label.
func (m *Metrics) RecordEmbed(codec string, psnr float64, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrQualityFloor):
		status = "quality_floor"
	case errors.Is(err, errs.ErrCapacityExceeded):
		status = "capacity_exceeded"
	default:
		status = "error"
	}
	m.EmbedTotal.WithLabelValues(codec, status).Inc()
	m.EmbedDuration.WithLabelValues(codec).Observe(seconds)
	if err == nil {
		m.EmbedPSNR.WithLabelValues(codec).Observe(psnr)
	}
}

// RecordFrame records a frame submission outcome and the resulting queue
// depth for the session.
func (m *Metrics) RecordFrame(sessionID string, disposition model.FrameDisposition, depth int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(string(disposition)).Inc()
	m.QueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

// SessionStarted bumps the active-session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionStopped drops the active-session gauge and retires the
// session's queue-depth series.
func (m *Metrics) SessionStopped(sessionID string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.QueueDepth.DeleteLabelValues(sessionID)
}

// RecordRotation records one payload rotation.
func (m *Metrics) RecordRotation(trigger string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(trigger).Inc()
}

// RecordExtract records one extraction outcome.
func (m *Metrics) RecordExtract(codec string, outcome model.ExtractOutcome) {
	if m == nil {
		return
	}
	m.ExtractTotal.WithLabelValues(codec, string(outcome)).Inc()
}

// RecordScan records a completed scan.
func (m *Metrics) RecordScan(verdict model.ScanVerdict, confidence float64, seconds float64) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(string(verdict)).Inc()
	m.ScanDuration.WithLabelValues(string(verdict)).Observe(seconds)
	m.ScanConfidence.Observe(confidence)
}

// RecordWebhook records an inbound provider webhook result.
func (m *Metrics) RecordWebhook(provider, status string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(provider, status).Inc()
}

// RecordAlert records an outbound alert delivery result.
func (m *Metrics) RecordAlert(status string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(status).Inc()
}

// SetStorage updates the data-directory usage gauges.
func (m *Metrics) SetStorage(dataDirBytes, diskFreeBytes uint64) {
	if m == nil {
		return
	}
	m.DataDirBytes.Set(float64(dataDirBytes))
	m.DiskFreeBytes.Set(float64(diskFreeBytes))
}
