// Package metrics exposes scenesync counters on the default Prometheus
// registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenesync",
			Name:      "records_total",
			Help:      "Records dispatched to executors, by outcome.",
		},
		[]string{"outcome"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenesync",
			Name:      "rpc_calls_total",
			Help:      "RPC calls served, by method and status.",
		},
		[]string{"method", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scenesync",
			Name:      "rpc_duration_seconds",
			Help:      "RPC call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	activeExecutors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scenesync",
			Name:      "active_executors",
			Help:      "Executors currently bound to a scene.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(records, rpcCalls, rpcDuration, activeExecutors)
	})
}

// RecordOutcomes adds n records with the given outcome label.
func RecordOutcomes(outcome string, n int) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	records.WithLabelValues(outcome).Add(float64(n))
}

func RecordRPC(method, status string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, status).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func SetActiveExecutors(n int) {
	RegisterMetrics()
	activeExecutors.Set(float64(n))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
