package server

import (
	"net/http"
	"strconv"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with request counting and latency observation.
// The pattern label keeps metric cardinality bounded regardless of path
// parameters.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		code := strconv.Itoa(rec.status)
		s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, pattern, code).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, code).Observe(time.Since(start).Seconds())
	})
}
