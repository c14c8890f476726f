// Package metrics provides Prometheus instrumentation for the buddy-match
// services: gauges for pool and chat volume, counters for throughput, and a
// histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolWaiting tracks the current number of waiting pool entries.
	PoolWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buddymatch_pool_waiting",
		Help: "Current number of waiting pool entries",
	})

	// PairingsTotal counts pairings formed, labeled by origin:
	// "immediate" (synchronous attempt) or "matcher" (background loop).
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddymatch_pairings_total",
		Help: "Total number of pairings formed",
	}, []string{"origin"})

	// MessagesTotal counts chat messages stored, labeled by kind:
	// "chat" or "disconnect_signal".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buddymatch_messages_total",
		Help: "Total number of messages stored",
	}, []string{"kind"})

	// TimeToMatch records the wait between pool entry and pairing.
	TimeToMatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "buddymatch_time_to_match_seconds",
		Help:    "Time from pool entry to pairing",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// PushDeliveries counts push delivery tasks enqueued.
	PushDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buddymatch_push_deliveries_total",
		Help: "Total number of push delivery tasks enqueued",
	})
)

func init() {
	prometheus.MustRegister(
		PoolWaiting,
		PairingsTotal,
		MessagesTotal,
		TimeToMatch,
		PushDeliveries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
