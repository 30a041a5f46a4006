// Package admin provides the runtime inspection endpoints: circuit breaker
// status and reset, the route table, the active configuration and rate
// limiter buckets. All endpoints are protected by an IP allowlist.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"

	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/ratelimit"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	limiter     *ratelimit.Limiter
	registry    *circuitbreaker.Registry
	table       *routing.Table
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	cfg ConfigProvider,
	limiter *ratelimit.Limiter,
	registry *circuitbreaker.Registry,
	table *routing.Table,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		config:      cfg,
		limiter:     limiter,
		registry:    registry,
		table:       table,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux. Requests with a
// method the pattern does not accept get 405 from the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /circuit-breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("GET /actuator/circuit-breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("GET /circuit-breakers/{name}", h.guard(h.breakerHandler))
	mux.HandleFunc("POST /circuit-breakers/{name}/reset", h.guard(h.resetHandler))
	mux.HandleFunc("GET /admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
	mux.HandleFunc("GET /admin/limiters", h.guard(h.limitersHandler))
}

// guard wraps a handler with IP allowlist checking. Only the direct peer
// address counts; forwarded headers are ignored here.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientip.Peer(r)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuitBreakers": h.registry.States(),
	})
}

// breakerMetrics is the metrics block of a breaker detail response.
type breakerMetrics struct {
	FailureRate                 float64 `json:"failureRate"`
	SlowCallRate                float64 `json:"slowCallRate"`
	NumberOfBufferedCalls       int     `json:"numberOfBufferedCalls"`
	NumberOfSuccessfulCalls     int     `json:"numberOfSuccessfulCalls"`
	NumberOfFailedCalls         int     `json:"numberOfFailedCalls"`
	NumberOfSlowCalls           int     `json:"numberOfSlowCalls"`
	NumberOfSlowSuccessfulCalls int     `json:"numberOfSlowSuccessfulCalls"`
	NumberOfSlowFailedCalls     int     `json:"numberOfSlowFailedCalls"`
	NumberOfNotPermittedCalls   int64   `json:"numberOfNotPermittedCalls"`
}

type breakerDetail struct {
	Name    string               `json:"name"`
	State   circuitbreaker.State `json:"state"`
	Metrics breakerMetrics       `json:"metrics"`
}

func detailOf(s circuitbreaker.Snapshot) breakerDetail {
	return breakerDetail{
		Name:  s.Name,
		State: s.State,
		Metrics: breakerMetrics{
			FailureRate:                 s.FailureRate,
			SlowCallRate:                s.SlowCallRate,
			NumberOfBufferedCalls:       s.NumberOfBufferedCalls,
			NumberOfSuccessfulCalls:     s.NumberOfSuccessfulCalls,
			NumberOfFailedCalls:         s.NumberOfFailedCalls,
			NumberOfSlowCalls:           s.NumberOfSlowCalls,
			NumberOfSlowSuccessfulCalls: s.NumberOfSlowSuccessfulCalls,
			NumberOfSlowFailedCalls:     s.NumberOfSlowFailedCalls,
			NumberOfNotPermittedCalls:   s.NumberOfNotPermittedCalls,
		},
	}
}

func (h *Handler) breakerHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s, err := h.registry.Snapshot(name)
	if err != nil {
		h.writeBreakerError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, detailOf(s))
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.Reset(name); err != nil {
		h.writeBreakerError(w, name, err)
		return
	}
	s, err := h.registry.Snapshot(name)
	if err != nil {
		h.writeBreakerError(w, name, err)
		return
	}
	h.logger.Info("circuit breaker reset via admin API", "route", name, "client_ip", clientip.Peer(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "circuit breaker " + name + " reset",
		"state":   s.State,
	})
}

func (h *Handler) writeBreakerError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, circuitbreaker.ErrUnknownBreaker) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "circuit breaker not found: " + name,
		})
		return
	}
	h.logger.Error("circuit breaker lookup failed", "route", name, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// routeStatus is the response type for /admin/routes.
type routeStatus struct {
	ID                  string   `json:"id"`
	Path                string   `json:"path"`
	URI                 string   `json:"uri"`
	StripPrefix         int      `json:"strip_prefix"`
	Methods             []string `json:"methods,omitempty"`
	AuthRequired        bool     `json:"auth_required"`
	TimeoutMs           int64    `json:"timeout_ms"`
	MaxAttempts         int      `json:"max_attempts"`
	FallbackPath        string   `json:"fallback_path"`
	CircuitBreakerState string   `json:"circuit_breaker_state"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := h.table.Routes()
	states := h.registry.States()
	statuses := make([]routeStatus, len(routes))
	for i, route := range routes {
		state := "UNKNOWN"
		if s, ok := states[route.ID]; ok {
			state = s.String()
		}
		var methods []string
		for m := range route.Methods {
			methods = append(methods, m)
		}
		slices.Sort(methods)
		statuses[i] = routeStatus{
			ID:                  route.ID,
			Path:                route.Pattern,
			URI:                 route.Upstream.String(),
			StripPrefix:         route.StripPrefix,
			Methods:             methods,
			AuthRequired:        route.AuthRequired,
			TimeoutMs:           route.Timeout.Milliseconds(),
			MaxAttempts:         route.Retry.MaxAttempts,
			FallbackPath:        route.FallbackPath,
			CircuitBreakerState: state,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Current()

	// Shallow copy; only the secret is replaced.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	pageSize := 100
	page := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 1000 {
		pageSize = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
