// Package metrics provides Prometheus metrics for the workspace server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload metrics
	uploadFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_upload_files_total",
			Help: "Total number of files written by uploads",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_uploads_total",
			Help: "Total number of upload requests",
		},
		[]string{"result"},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Watch metrics
	watchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_watches_active",
			Help: "Number of directories with a live filesystem watch",
		},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_sse_connections_active",
			Help: "Number of open watch streams",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_sse_events_total",
			Help: "Total SSE events written to clients",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records an upload request and the files it wrote.
func RecordUpload(files int, success bool) {
	uploadFilesTotal.Add(float64(files))
	result := "success"
	if !success {
		result = "error"
	}
	uploadsTotal.WithLabelValues(result).Inc()
}

// RecordDownload records a file download by response status.
func RecordDownload(status int) {
	downloadsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetWatchesActive sets the number of live filesystem watches.
func SetWatchesActive(count int) {
	watchesActive.Set(float64(count))
}

// SSEConnectionOpened increments the open watch stream gauge.
func SSEConnectionOpened() {
	sseConnectionsActive.Inc()
}

// SSEConnectionClosed decrements the open watch stream gauge.
func SSEConnectionClosed() {
	sseConnectionsActive.Dec()
}

// RecordSSEEvent records an SSE event written to a client.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter captures the status the client actually received: the
// first WriteHeader, or 200 once the body is written or flushed.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.wroteHeader = true
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

// routeLabel maps a request path onto one of the served routes so label
// cardinality stays bounded. Anything else is "other".
func routeLabel(path string) string {
	if path == "/health" {
		return path
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) < 2 || segs[0] != "workspace" || segs[1] == "" {
		return "other"
	}
	switch {
	case len(segs) == 2:
		return "/workspace/{id}"
	case len(segs) == 3 && segs[2] == "watch":
		return "/workspace/{id}/watch"
	case len(segs) == 4 && segs[2] == "files":
		return "/workspace/{id}/files/{file_name}"
	}
	return "other"
}
