// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the gateway.
package ratelimit

import (
	"cmp"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oarthurfc/delivery-app/internal/apierror"
	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/routing"
	"golang.org/x/time/rate"
)

const (
	cleanupInterval = time.Minute
	staleAfter      = 3 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey encodes IP, rate, and burst so route overrides get separate
// buckets.
type clientKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

// routeLimit is one route's matching pattern and optional override.
type routeLimit struct {
	id       string
	pattern  string
	override *config.RateLimitConfig
}

// Limiter tracks per-client rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	mu       sync.RWMutex
	clients  map[clientKey]*client
	rate     rate.Limit
	burst    int
	routes   []routeLimit
	ips      *clientip.Resolver
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter from the global rate limit settings and the
// per-route overrides in cfg. It starts a background goroutine that cleans
// up stale client entries every minute.
func New(cfg *config.Config, ips *clientip.Resolver, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients: make(map[clientKey]*client),
		ips:     ips,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	l.apply(cfg)
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the global rate limit settings and route overrides.
// Existing per-client limiters are cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(cfg)
	l.clients = make(map[clientKey]*client)
}

func (l *Limiter) apply(cfg *config.Config) {
	l.rate = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	l.burst = cfg.RateLimit.BurstSize
	routes := make([]routeLimit, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, routeLimit{id: rc.ID, pattern: rc.Path, override: rc.RateOverride})
	}
	l.routes = routes
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ips.IP(r)
			limit, burst, route := l.limitsForPath(r.URL.Path)

			if !l.getLimiter(ip, limit, burst).Allow() {
				l.logger.Warn("rate limit exceeded",
					"client_ip", ip,
					"path", r.URL.Path,
					"route", route,
					"request_id", r.Header.Get("X-Request-ID"),
				)
				metrics.RateLimitHits.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", retryAfter(limit))
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter is the whole seconds until one token refills, at least 1.
func retryAfter(limit rate.Limit) string {
	if limit <= 0 {
		return "1"
	}
	secs := int(1/float64(limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// limitsForPath returns the rate, burst and route id for path. The first
// route whose pattern matches wins, mirroring the route table.
func (l *Limiter) limitsForPath(path string) (rate.Limit, int, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, route := range l.routes {
		if !routing.MatchesPattern(path, route.pattern) {
			continue
		}
		if o := route.override; o != nil {
			return rate.Limit(o.RequestsPerSecond), o.BurstSize, route.id
		}
		return l.rate, l.burst, route.id
	}
	return l.rate, l.burst, "unmatched"
}

// getLimiter returns or creates a rate limiter for the given client key.
// rate.Limiter is internally goroutine-safe so Allow() does not need to be
// called under our lock.
func (l *Limiter) getLimiter(ip string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{ip: ip, rate: r, burst: burst}

	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Refreshing once per minute is enough to stay clear of cleanup.
		if time.Since(c.lastSeen) > cleanupInterval {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Entry describes one client bucket for the admin API.
type Entry struct {
	ClientIP string    `json:"client_ip"`
	Rate     float64   `json:"rate"`
	Burst    int       `json:"burst"`
	Tokens   float64   `json:"tokens"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot lists the tracked client buckets ordered by client IP.
func (l *Limiter) Snapshot() []Entry {
	l.mu.RLock()
	entries := make([]Entry, 0, len(l.clients))
	for key, c := range l.clients {
		entries = append(entries, Entry{
			ClientIP: key.ip,
			Rate:     float64(key.rate),
			Burst:    key.burst,
			Tokens:   c.limiter.Tokens(),
			LastSeen: c.lastSeen,
		})
	}
	l.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := strings.Compare(a.ClientIP, b.ClientIP); c != 0 {
			return c
		}
		return cmp.Compare(a.Rate, b.Rate)
	})
	return entries
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, key)
		}
	}
}
