// Package metrics exposes Prometheus instrumentation for the API.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_http_requests_total",
			Help: "HTTP requests by method and status code.",
		},
		[]string{"method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_messages_sent_total",
			Help: "Messages accepted by the send endpoint.",
		},
	)

	reactionsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veil_reactions_applied_total",
			Help: "Reaction toggles applied.",
		},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "veil_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(reactionsApplied)
	prometheus.MustRegister(heapAlloc)
}

// ObserveRequest records one finished HTTP request.
func ObserveRequest(method string, status int, seconds float64) {
	requestsTotal.WithLabelValues(method, statusLabel(status)).Inc()
	requestDuration.WithLabelValues(method).Observe(seconds)
}

// CountMessageSent increments the sent-message counter.
func CountMessageSent() {
	messagesSent.Inc()
}

// CountReactionApplied increments the reaction counter.
func CountReactionApplied() {
	reactionsApplied.Inc()
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
