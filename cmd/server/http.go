package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type stateSource interface {
	States() map[string]string
}

type healthCounter interface {
	HealthyCount() int
}

type healthResponse struct {
	Status       string            `json:"status"`
	HealthyNodes int               `json:"healthy_nodes"`
	Nodes        map[string]string `json:"nodes"`
}

// newMux serves Prometheus metrics and a health summary. /healthz answers 503 while
// no node is healthy.
func newMux(gatherer prometheus.Gatherer, states stateSource, nodes healthCounter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:       "ok",
			HealthyNodes: nodes.HealthyCount(),
			Nodes:        states.States(),
		}
		code := http.StatusOK
		if resp.HealthyNodes == 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Debugf("Failed to write health response: %v", err)
		}
	})
	return mux
}
