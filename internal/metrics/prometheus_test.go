package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveUpload("replicated", true, time.Now())
	m.ObserveUpload("replicated", false, time.Now())
	m.ObservePieceUpload("shard", true)
	m.ObservePieceUpload("shard", true)
	m.ObservePieceDownload("replica", false)
	m.ObserveDownload("erasure_coded", true)
	m.ObserveReconstruction()
	m.ObserveProbe(false)
	m.SetHealthyNodes(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("replicated", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("replicated", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PieceUploadAttempts.WithLabelValues("shard", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PieceDownloads.WithLabelValues("replica", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("erasure_coded", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunkReconstructions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("failure")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.HealthyNodes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveUpload("replicated", true, time.Now())
		m.ObserveDownload("replicated", true)
		m.ObservePieceUpload("shard", false)
		m.ObservePieceDownload("shard", false)
		m.ObserveReconstruction()
		m.ObserveProbe(true)
		m.SetHealthyNodes(1)
	})
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
