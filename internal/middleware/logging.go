// Package middleware provides the HTTP middleware wrapped around the
// gateway pipeline: access logging, request IDs, CORS, security headers,
// body limits and panic recovery.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/logging"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel converts a route log_level string to a slog.Level. "none"
// maps to LogLevelNone; anything else follows the process level names.
func ParseLogLevel(level string) slog.Level {
	if strings.EqualFold(level, "none") {
		return LogLevelNone
	}
	return logging.ParseLevel(level)
}

// RouteLookup reports the route id and access log level for a request
// path. ok is false when no route matches.
type RouteLookup func(path string) (route string, level slog.Level, ok bool)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Logging returns middleware that writes one access log line per request
// with method, path, route, status, latency and client IP. Routes whose
// level is "none" are not logged. Request and response bodies are never
// logged.
func Logging(logger *slog.Logger, lookup RouteLookup, ips *clientip.Resolver) func(http.Handler) http.Handler {
	if lookup == nil {
		lookup = func(string) (string, slog.Level, bool) { return "", slog.LevelInfo, false }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, level, matched := lookup(r.URL.Path)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			clientIP := clientip.Peer(r)
			if ips != nil {
				clientIP = ips.IP(r)
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"bytes", recorder.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", clientIP,
				"request_id", GetRequestID(r.Context()),
			}
			if matched {
				attrs = append(attrs, "route", route)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}
