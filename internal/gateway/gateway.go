// Package gateway drives the per-request pipeline: resolve the route, check
// the method, authenticate, then dispatch through the circuit breaker and
// retry loop to the upstream, falling back to the route's degraded response
// when the breaker refuses the call or retries run out.
package gateway

import (
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/apierror"
	"github.com/oarthurfc/delivery-app/internal/auth"
	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/fallback"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/middleware"
	"github.com/oarthurfc/delivery-app/internal/proxy"
	"github.com/oarthurfc/delivery-app/internal/retry"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// Exchange is the state carried between stages. The inbound request is
// never modified; identity travels in Overlay.
type Exchange struct {
	Request *http.Request
	Route   *routing.Route
	Claims  auth.Claims
	Overlay http.Header
}

// Stage inspects an exchange and returns the exchange for the next stage.
// A non-nil handler ends the pipeline and answers the request.
type Stage func(Exchange) (Exchange, http.Handler)

// Gateway is the http.Handler at the end of the middleware chain.
type Gateway struct {
	table      *routing.Table
	gate       *auth.Gate
	registry   *circuitbreaker.Registry
	dispatcher *proxy.Dispatcher
	fallback   *fallback.Responder
	retrier    *retry.Executor
	logger     *slog.Logger
	stages     []Stage
}

// New assembles the pipeline and creates a breaker for every route. The
// registry is shared with the admin endpoints so both see the same breakers.
func New(
	table *routing.Table,
	gate *auth.Gate,
	registry *circuitbreaker.Registry,
	dispatcher *proxy.Dispatcher,
	responder *fallback.Responder,
	logger *slog.Logger,
) *Gateway {
	g := &Gateway{
		table:      table,
		gate:       gate,
		registry:   registry,
		dispatcher: dispatcher,
		fallback:   responder,
		retrier:    retry.NewExecutor(),
		logger:     logger,
	}
	for _, r := range table.Routes() {
		registry.GetOrCreate(r.ID, r.Breaker)
	}
	g.stages = []Stage{g.resolve, g.checkMethod, g.authenticate, g.dispatch}
	return g
}

// ServeHTTP runs the stages in order until one produces a handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	ex := Exchange{Request: r}
	var h http.Handler
	for _, stage := range g.stages {
		if ex, h = stage(ex); h != nil {
			break
		}
	}
	if h == nil {
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "request was not handled")
		})
	}
	h.ServeHTTP(sw, r)

	route := "unmatched"
	if ex.Route != nil {
		route = ex.Route.ID
	}
	metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
	metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
}

// RouteLookup reports the route id and access log level for path, for the
// logging middleware.
func (g *Gateway) RouteLookup(path string) (string, slog.Level, bool) {
	route, err := g.table.Resolve(path)
	if err != nil {
		return "", slog.LevelInfo, false
	}
	return route.ID, middleware.ParseLogLevel(route.LogLevel), true
}

func (g *Gateway) resolve(ex Exchange) (Exchange, http.Handler) {
	route, err := g.table.Resolve(ex.Request.URL.Path)
	if err != nil {
		return ex, errorHandler(http.StatusNotFound, apierror.RouteNotFound, "no matching route")
	}
	ex.Route = route
	return ex, nil
}

func (g *Gateway) checkMethod(ex Exchange) (Exchange, http.Handler) {
	if ex.Route.AllowsMethod(ex.Request.Method) {
		return ex, nil
	}
	allow := strings.Join(slices.Sorted(maps.Keys(ex.Route.Methods)), ", ")
	return ex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			"method "+r.Method+" not allowed on route "+ex.Route.ID)
	})
}

func (g *Gateway) authenticate(ex Exchange) (Exchange, http.Handler) {
	if !ex.Route.AuthRequired {
		return ex, nil
	}
	res, err := g.gate.Authenticate(ex.Request.Context(), ex.Request)
	if err != nil {
		status, code := authFailure(err)
		return ex, errorHandler(status, code, err.Error())
	}
	ex.Claims = res.Claims
	ex.Overlay = res.Overlay
	return ex, nil
}

// authFailure maps a gate rejection to its response status and code.
func authFailure(err error) (int, apierror.ErrorCode) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, apierror.AuthMissingToken
	case errors.Is(err, auth.ErrMalformedToken):
		return http.StatusUnauthorized, apierror.AuthMalformedToken
	case errors.Is(err, auth.ErrExpired):
		return http.StatusUnauthorized, apierror.AuthExpired
	case errors.Is(err, auth.ErrVerifierUnavailable):
		return http.StatusServiceUnavailable, apierror.AuthUnavailable
	default:
		return http.StatusUnauthorized, apierror.AuthInvalidToken
	}
}

func errorHandler(status int, code apierror.ErrorCode, message string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, status, code, message)
	})
}

// statusWriter captures the status code written by the pipeline.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
