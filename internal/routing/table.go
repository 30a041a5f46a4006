// Package routing holds the immutable route table and the path helpers used
// to match and rewrite request paths.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/retry"
)

// ErrNoRoute is returned by Resolve when no pattern matches the path.
var ErrNoRoute = errors.New("no route matches path")

// hardTimeoutFactor derives the attempt timeout from the slow-call
// threshold when a route sets none.
const hardTimeoutFactor = 4

// Route is one resolved route definition. Routes are built once at startup
// and never modified.
type Route struct {
	ID              string
	Pattern         string
	StripPrefix     int
	Upstream        *url.URL
	AuthRequired    bool
	Methods         map[string]bool // nil allows every method
	Headers         map[string]string
	Timeout         time.Duration // hard limit per attempt
	Breaker         circuitbreaker.Policy
	Retry           retry.Policy
	FallbackPath    string
	FallbackService string
	FallbackMessage string
	LogLevel        string
	ConnectionPool  *config.ConnectionPoolConfig
	RateOverride    *config.RateLimitConfig
	GatesReadiness  bool // upstream must be reachable for /ready
}

// Matches reports whether the route's pattern matches path.
func (r *Route) Matches(path string) bool {
	return MatchesPattern(path, r.Pattern)
}

// AllowsMethod reports whether the route accepts the HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	return r.Methods == nil || r.Methods[method]
}

// Target builds the upstream URL for an inbound path and raw query: the
// path minus StripPrefix segments, appended to the upstream base path.
func (r *Route) Target(path, rawQuery string) *url.URL {
	rest := StripSegments(path, r.StripPrefix)
	u := *r.Upstream
	base := strings.TrimSuffix(u.Path, "/")
	switch {
	case base == "":
		u.Path = rest
	case rest == "/":
		u.Path = base
	default:
		u.Path = base + rest
	}
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

// Table is the ordered route table. The first matching route wins.
type Table struct {
	routes []*Route
	byID   map[string]*Route
}

// NewTable builds the route table from a validated config.
func NewTable(cfg *config.Config) (*Table, error) {
	t := &Table{byID: make(map[string]*Route, len(cfg.Routes))}
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.URI)
		if err != nil {
			return nil, fmt.Errorf("route %s: parsing uri: %w", rc.ID, err)
		}

		r := &Route{
			ID:              rc.ID,
			Pattern:         rc.Path,
			StripPrefix:     rc.StripPrefix,
			Upstream:        u,
			AuthRequired:    rc.AuthRequired,
			Headers:         rc.Headers,
			Breaker:         circuitbreaker.PolicyFromConfig(rc.EffectiveCircuitBreaker(cfg.CircuitBreaker)),
			Retry:           retry.PolicyFromConfig(rc.EffectiveRetry(cfg.Retry)),
			FallbackPath:    rc.FallbackPath,
			FallbackService: rc.FallbackService(),
			FallbackMessage: rc.FallbackMessage,
			LogLevel:        rc.LogLevel,
			ConnectionPool:  rc.ConnectionPool,
			RateOverride:    rc.RateOverride,
			GatesReadiness:  rc.GatesReadiness(),
		}
		if len(rc.Methods) > 0 {
			r.Methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				r.Methods[strings.ToUpper(m)] = true
			}
		}
		r.Timeout = rc.Timeout()
		if r.Timeout == 0 {
			r.Timeout = hardTimeoutFactor * r.Breaker.SlowCallDuration
		}

		t.routes = append(t.routes, r)
		t.byID[r.ID] = r
	}
	return t, nil
}

// Resolve returns the first route whose pattern matches path.
func (t *Table) Resolve(path string) (*Route, error) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, path)
}

// Get returns the route with the given id.
func (t *Table) Get(id string) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Routes returns the routes in configuration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
