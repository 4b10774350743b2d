package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/sqlbridge/internal/model"
)

const (
	unmatched = "unmatched"
	noKind    = "none"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Bridge calls issued through /v1/handles, as journaled.
	apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_api_calls_total",
			Help: "Bridge calls made through the HTTP API by action, outcome and error kind.",
		},
		[]string{"action", "outcome", "kind"},
	)

	apiCallErrorCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_api_call_error_codes_total",
			Help: "Failed bridge calls made through the HTTP API by executor error code.",
		},
		[]string{"action", "code"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, apiCallsTotal, apiCallErrorCodes)
}

// recordCall counts a finished bridge call. Calls that failed before
// reaching the executor carry no code and are only counted by kind.
func recordCall(c *model.Call) {
	kind := c.ErrorKind
	if kind == "" {
		kind = noKind
	}
	apiCallsTotal.WithLabelValues(c.Action, c.Outcome, kind).Inc()
	if c.ErrorCode != "" {
		apiCallErrorCodes.WithLabelValues(c.Action, c.ErrorCode).Inc()
	}
}

// metricsMiddleware records request count and duration by chi route
// pattern, so handle ids in the path do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
