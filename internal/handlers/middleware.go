package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestIDMiddleware attaches a correlation id to every request. An id
// supplied by the client in X-Request-ID is honored; otherwise one is
// generated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware emits one structured access log line per request.
func AccessLogMiddleware(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			metricsCollector.APIRequestDuration.WithLabelValues(r.URL.Path).Observe(duration.Seconds())

			logger.Info(r.Context(), "[HTTP_ACCESS] Request handled", logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      recorder.status,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}
