package logger

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	entryKey ctxKey = iota
	requestIDKey
)

// WithLogger stores a request-scoped entry in ctx.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, entryKey, entry)
}

// FromContext returns the entry stored by WithLogger, or one on the
// standard logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(entryKey).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// EnsureRequestID returns the request id of r, assigning a new one to the
// request header when it has none.
func EnsureRequestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(RequestIDHeader, id)
	}
	return id
}

// WithRequest creates an entry describing r.
func WithRequest(log *logrus.Logger, r *http.Request) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"request_id": EnsureRequestID(r),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote_ip":  remoteIP(r),
		"user_agent": r.UserAgent(),
	})
}

// RequestLoggerMiddleware attaches a request-scoped entry to the context and
// logs each request once it has been served. Probes log at debug level.
func RequestLoggerMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := WithRequest(log, r)
			ctx := WithRequestID(WithLogger(r.Context(), entry), EnsureRequestID(r))

			start := time.Now()
			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			level := logrus.InfoLevel
			switch r.URL.Path {
			case "/health", "/ready", "/live":
				level = logrus.DebugLevel
			}
			entry.WithFields(logrus.Fields{
				"status":      rw.StatusCode(),
				"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
			}).Log(level, "Request served")
		})
	}
}

func remoteIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// ResponseWriter records the status code written through it.
type ResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	return rw.ResponseWriter.Write(b)
}

// StatusCode returns the status written, 200 when none was.
func (rw *ResponseWriter) StatusCode() int {
	return rw.status
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return h.Hijack()
}

// Unwrap returns the wrapped writer for http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
