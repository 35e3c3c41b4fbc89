package middleware

import (
	"net/http"
	"time"

	"tiercache/internal/common/logging"
)

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging returns middleware that logs every HTTP request with method,
// path, status, and duration
func Logging(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			fields := []logging.Field{
				{Key: "method", Value: r.Method},
				{Key: "path", Value: r.URL.Path},
				{Key: "status", Value: wrapped.statusCode},
				{Key: "duration_ms", Value: duration.Milliseconds()},
				{Key: "remote_addr", Value: r.RemoteAddr},
			}

			if r.URL.RawQuery != "" {
				fields = append(fields, logging.Field{Key: "query", Value: r.URL.RawQuery})
			}

			if ua := r.Header.Get("User-Agent"); ua != "" {
				fields = append(fields, logging.Field{Key: "user_agent", Value: ua})
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.Error("HTTP request completed", nil, fields...)
			case wrapped.statusCode >= 400:
				logger.Warn("HTTP request completed", fields...)
			default:
				logger.Info("HTTP request completed", fields...)
			}
		})
	}
}
