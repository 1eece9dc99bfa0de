package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Object metrics
	UploadsTotal   *prometheus.CounterVec
	DownloadsTotal *prometheus.CounterVec
	UploadDuration *prometheus.HistogramVec

	// Piece metrics
	PieceUploadAttempts  *prometheus.CounterVec
	PieceDownloads       *prometheus.CounterVec
	ChunkReconstructions prometheus.Counter

	// Node metrics
	ProbesTotal  *prometheus.CounterVec
	HealthyNodes prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zstore_uploads_total",
				Help: "Total number of object uploads",
			},
			[]string{"strategy", "result"},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zstore_downloads_total",
				Help: "Total number of object downloads",
			},
			[]string{"strategy", "result"},
		),

		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zstore_upload_duration_seconds",
				Help:    "Duration of object uploads",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),

		PieceUploadAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zstore_piece_upload_attempts_total",
				Help: "Total number of shard or replica upload attempts against a node",
			},
			[]string{"kind", "result"},
		),

		PieceDownloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zstore_piece_downloads_total",
				Help: "Total number of shard or replica reads against a node",
			},
			[]string{"kind", "result"},
		),

		ChunkReconstructions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zstore_chunk_reconstructions_total",
				Help: "Total number of erasure coded chunks decoded on read",
			},
		),

		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zstore_node_probes_total",
				Help: "Total number of node health probes",
			},
			[]string{"result"},
		),

		HealthyNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zstore_healthy_nodes",
				Help: "Number of nodes currently considered healthy",
			},
		),
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveUpload(strategy string, ok bool, started time.Time) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(strategy, resultLabel(ok)).Inc()
	m.UploadDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveDownload(strategy string, ok bool) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(strategy, resultLabel(ok)).Inc()
}

func (m *Metrics) ObservePieceUpload(kind string, ok bool) {
	if m == nil {
		return
	}
	m.PieceUploadAttempts.WithLabelValues(kind, resultLabel(ok)).Inc()
}

func (m *Metrics) ObservePieceDownload(kind string, ok bool) {
	if m == nil {
		return
	}
	m.PieceDownloads.WithLabelValues(kind, resultLabel(ok)).Inc()
}

func (m *Metrics) ObserveReconstruction() {
	if m == nil {
		return
	}
	m.ChunkReconstructions.Inc()
}

func (m *Metrics) ObserveProbe(ok bool) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) SetHealthyNodes(n int) {
	if m == nil {
		return
	}
	m.HealthyNodes.Set(float64(n))
}
