// Package server contains HTTP handlers and middleware for the wallet provider.
// This file implements middleware functions for timeout handling, logging, and metrics collection.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// requestTimeout bounds every request end to end.
const requestTimeout = 30 * time.Second

// Prometheus metrics for monitoring HTTP requests
var (
	// Counter for total HTTP requests by method, route and status code
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests made.",
		},
		[]string{"method", "path", "code"},
	)

	// Histogram for request latency by method and route
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// timeoutMiddleware bounds every request, including the resolver calls and
// store queries made on its behalf.
func (h *Handler) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request and records it in the request metrics,
// labelled by route template.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Process the request
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		h.logger.Info("request completed",
			"method", r.Method,           // HTTP method
			"path", r.URL.Path,           // raw request path
			"status", wrapped.statusCode, // status code written by the handler
			"duration", duration,         // time spent in the handler chain
			"user_agent", r.UserAgent(),  // wallet app or browser
		)

		// Label by route template to keep metric cardinality bounded
		path := routeTemplate(r)
		requestCount.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())
	})
}

// routeTemplate returns the matched route pattern, or the raw path when no
// route matched.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter // embedded original ResponseWriter
	statusCode int       // status code passed to WriteHeader
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
