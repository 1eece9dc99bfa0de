package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zstore-cluster/internal/metrics"
)

type fixedStates map[string]string

func (f fixedStates) States() map[string]string { return f }

type fixedCount int

func (f fixedCount) HealthyCount() int { return int(f) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name    string
		healthy int
		code    int
		status  string
	}{
		{"healthy nodes", 2, http.StatusOK, "ok"},
		{"no healthy nodes", 0, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := fixedStates{"n1": "healthy", "n2": "unhealthy"}
			mux := newMux(prometheus.NewRegistry(), states, fixedCount(tt.healthy))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.healthy, body.HealthyNodes)
			assert.Equal(t, "unhealthy", body.Nodes["n2"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.SetHealthyNodes(3)

	mux := newMux(reg, fixedStates{}, fixedCount(3))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zstore_healthy_nodes 3")
}
