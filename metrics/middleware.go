// CLAUDE:SUMMARY HTTP middleware recording request counts and latency with the response status captured through a writer wrapper.
package metrics

import (
	"net/http"
	"strconv"
	"time"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records one observation per request. A no-op until Init runs.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if HTTPRequestsTotal == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
	})
}
