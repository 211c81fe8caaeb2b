package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/metrics"
)

// requestIDMiddleware makes sure every request carries an X-Request-ID and
// echoes it back.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(logger.RequestIDHeader, logger.EnsureRequestID(r))
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency by route template.
// Probe endpoints are not recorded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeTemplate(r)
		switch route {
		case "/health", "/ready", "/live":
			next.ServeHTTP(w, r)
			return
		}

		metrics.IncHTTPInFlight()
		defer metrics.DecHTTPInFlight()

		start := time.Now()
		rw := logger.NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		metrics.ObserveHTTPRequest(r.Method, route, strconv.Itoa(rw.StatusCode()), time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// corsMiddleware lets browser dashboards read the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+logger.RequestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
