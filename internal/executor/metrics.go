package executor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sqlbridge/internal/protocol"
)

// Metric label values for request outcome.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_executor_requests_total",
			Help: "Total number of requests handled by the executor.",
		},
		[]string{"action", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_executor_request_seconds",
			Help:    "Time spent handling one request inside the executor, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	openHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlbridge_executor_open_handles",
			Help: "Number of engine connections currently registered.",
		},
	)

	engineLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_executor_engine_load_seconds",
			Help:    "Duration of engine module initialisation, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	panicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlbridge_executor_panics_total",
			Help: "Engine panics recovered while handling a request.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(openHandles)
	prometheus.MustRegister(engineLoadDuration)
	prometheus.MustRegister(panicsTotal)

	for _, a := range []protocol.Action{protocol.ActionOpen, protocol.ActionExec, protocol.ActionClose, protocol.ActionBatch} {
		requestsTotal.WithLabelValues(string(a), outcomeOK)
		requestsTotal.WithLabelValues(string(a), outcomeError)
	}
}

// actionLabel bounds label cardinality for unrecognised actions.
func actionLabel(a protocol.Action) string {
	if a.Valid() {
		return string(a)
	}
	return "unknown"
}
