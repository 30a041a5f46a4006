// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	dialTimeout       = 2 * time.Second
	maxConcurrentDial = 8
)

// Upstream probe results.
const (
	StatusOK              = "ok"
	StatusUnreachable     = "unreachable"
	StatusCircuitOpen     = "circuit-open"
	StatusCircuitHalfOpen = "circuit-half-open"
)

// Handler provides /health and /ready endpoints.
type Handler struct {
	routes   []*routing.Route
	registry *circuitbreaker.Registry
	logger   *slog.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	// Cached readiness result to avoid dialling every upstream on every
	// /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. Only routes that gate readiness
// are checked. table may be nil, in which case readiness has nothing to
// check and always reports ready.
func New(table *routing.Table, registry *circuitbreaker.Registry, logger *slog.Logger) *Handler {
	var routes []*routing.Route
	if table != nil {
		for _, r := range table.Routes() {
			if r.GatesReadiness {
				routes = append(routes, r)
			}
		}
	}
	return &Handler{
		routes:   routes,
		registry: registry,
		logger:   logger,
		dial:     (&net.Dialer{}).DialContext,
	}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	statuses := h.probeAll(r.Context())

	results := make(map[string]string, len(h.routes))
	ready := true
	for i, route := range h.routes {
		results[route.ID] = statuses[i]
		if statuses[i] != StatusOK && statuses[i] != StatusCircuitHalfOpen {
			ready = false
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]any{
		"status":    statusStr,
		"upstreams": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	writeBody(w, httpStatus, body)
}

// probeAll checks every route concurrently. Results are indexed like
// h.routes.
func (h *Handler) probeAll(ctx context.Context) []string {
	statuses := make([]string, len(h.routes))
	var g errgroup.Group
	g.SetLimit(maxConcurrentDial)
	for i, route := range h.routes {
		g.Go(func() error {
			statuses[i] = h.probe(ctx, route)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return statuses
}

// probe reports a route's health. An OPEN or HALF_OPEN breaker answers
// without touching the network; otherwise the upstream host is dialled.
func (h *Handler) probe(ctx context.Context, route *routing.Route) string {
	if h.registry != nil {
		if b, ok := h.registry.Get(route.ID); ok {
			switch b.State() {
			case circuitbreaker.StateOpen:
				return StatusCircuitOpen
			case circuitbreaker.StateHalfOpen:
				return StatusCircuitHalfOpen
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := h.dial(ctx, "tcp", hostPort(route.Upstream))
	if err != nil {
		h.logger.Warn("upstream unreachable", "route", route.ID, "upstream", route.Upstream.String(), "error", err)
		return StatusUnreachable
	}
	conn.Close()
	return StatusOK
}

// hostPort returns the dial address for u, defaulting the port from the
// scheme.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
