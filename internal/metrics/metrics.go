// Package metrics provides Prometheus instrumentation for the workspace relay
// and the extraction gateway. It exposes a gauge for live relay connections,
// counters for broadcast admission and gateway outcomes, and a histogram for
// extraction latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch1tech_ws_connections",
		Help: "Current number of active workspace WebSocket connections",
	})

	// BroadcastsTotal counts broadcast payloads seen at a guard, labeled by
	// event and outcome ("admitted" or "dropped").
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arch1tech_broadcasts_total",
		Help: "Broadcast payloads processed by the payload guard",
	}, []string{"event", "outcome"})

	// PresenceSyncs counts presence_sync events published by the relay.
	PresenceSyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch1tech_presence_syncs_total",
		Help: "Presence sync events published to workspace channels",
	})

	// ExtractionRequests counts gateway responses by HTTP status code.
	ExtractionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arch1tech_extraction_requests_total",
		Help: "Extraction gateway responses by status code",
	}, []string{"code"})

	// ExtractionDuration records time spent in the execute step.
	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arch1tech_extraction_duration_seconds",
		Help:    "Time spent downloading, extracting and persisting an archive",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		BroadcastsTotal,
		PresenceSyncs,
		ExtractionRequests,
		ExtractionDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
