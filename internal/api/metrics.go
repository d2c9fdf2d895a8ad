package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Route groups used as a metric label.
const (
	groupOps    = "ops"
	groupStream = "stream"
	groupAdmin  = "admin"
	groupAPI    = "api"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "group", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding event streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
// SSE and WebSocket streams live as long as their execution, so only their
// count is recorded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		group := routeGroup(r.Method, path)
		httpRequestsTotal.WithLabelValues(r.Method, path, group, strconv.Itoa(status)).Inc()
		if group != groupStream {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		}
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// routeGroup classifies a route pattern for dashboards.
func routeGroup(method, pattern string) string {
	switch {
	case pattern == unmatched:
		return unmatched
	case pattern == "/healthz", pattern == "/metrics":
		return groupOps
	case strings.HasSuffix(pattern, "/events"), strings.HasSuffix(pattern, "/ws"):
		return groupStream
	case strings.HasSuffix(pattern, "/rerun"), strings.HasSuffix(pattern, "/abort"),
		method == http.MethodDelete && strings.HasPrefix(pattern, "/v1/executions/"):
		return groupAdmin
	default:
		return groupAPI
	}
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
