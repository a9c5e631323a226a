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

const (
	unmatched       = "unmatched"
	eventStreamType = "text/event-stream"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding event streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Event streams stay open for the life of a run.
	httpStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_stream_duration_seconds",
			Help:    "Run event stream lifetime in seconds.",
			Buckets: []float64{0.1, 1, 10, 60, 300, 900, 3600, 14400},
		},
		[]string{"path"},
	)

	httpStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_http_streams_active",
			Help: "Number of open run event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpStreamDuration)
	prometheus.MustRegister(httpStreamsActive)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
// Event stream responses are timed separately so that run lifetimes do not
// skew request latency.
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
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if isEventStream(ww) {
			httpStreamDuration.WithLabelValues(path).Observe(duration)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func isEventStream(w http.ResponseWriter) bool {
	return strings.HasPrefix(w.Header().Get("Content-Type"), eventStreamType)
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
