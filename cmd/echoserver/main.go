// Package main provides a stand-in upstream for exercising the gateway. It
// echoes request details as JSON and can answer slowly or with a chosen
// status, which is enough to drive retries and circuit breakers by hand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// maxDelay bounds /slow-response so a typo cannot park a connection forever.
const maxDelay = 5 * time.Minute

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			*port = n
		}
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("echo server listening", "service", *name, "addr", addr)
	if err := http.ListenAndServe(addr, newMux(*name)); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newMux(name string) *http.ServeMux {
	mux := http.NewServeMux()

	// GET /slow-response/3 answers after three seconds, or earlier if the
	// caller gives up.
	mux.HandleFunc("GET /slow-response/{seconds}", func(w http.ResponseWriter, r *http.Request) {
		secs, err := strconv.Atoi(r.PathValue("seconds"))
		if err != nil || secs < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"service": name, "error": "seconds must be a non-negative integer"})
			return
		}
		delay := min(time.Duration(secs)*time.Second, maxDelay)
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service": name,
			"message": fmt.Sprintf("responded after %d seconds", secs),
		})
	})

	mux.HandleFunc("GET /force-error", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"service": name,
			"error":   "forced error",
		})
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]any{
			"service":        name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
