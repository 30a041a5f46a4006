// Package auth implements the bearer token gate for protected routes. The
// gate never modifies the inbound request; it returns the identity headers
// the dispatcher adds to the forwarded request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// Identity headers injected into forwarded requests.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// Rejection reasons. Every error returned by Gate.Authenticate wraps one.
var (
	ErrMissingToken        = errors.New("missing authorization header")
	ErrMalformedToken      = errors.New("malformed authorization header")
	ErrInvalidSignature    = errors.New("invalid token")
	ErrExpired             = errors.New("token expired")
	ErrVerifierUnavailable = errors.New("token validation service unavailable")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// Verifier checks a raw token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// Result is the outcome of a successful Authenticate call.
// Public is set when the path is on the allowlist and no token was read.
// Overlay holds the headers to add to the forwarded request.
type Result struct {
	Public  bool
	Claims  Claims
	Overlay http.Header
}

// Gate authenticates requests for routes that require it.
type Gate struct {
	verifier    Verifier
	publicPaths []string
	contains    bool
	logger      *slog.Logger
}

// NewGate creates a gate using verifier for token checks.
func NewGate(cfg config.AuthConfig, verifier Verifier, logger *slog.Logger) *Gate {
	return &Gate{
		verifier:    verifier,
		publicPaths: cfg.PublicPaths,
		contains:    cfg.PublicPathMatch == config.PublicPathContains,
		logger:      logger,
	}
}

// IsPublic reports whether path is on the public allowlist. Entries match
// on a segment boundary; in contains mode any path holding an entry as a
// substring matches.
func (g *Gate) IsPublic(path string) bool {
	for _, p := range g.publicPaths {
		if g.contains {
			if strings.Contains(path, p) {
				return true
			}
			continue
		}
		if routing.MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}

// Authenticate checks the request's bearer token. It returns a Result
// with the identity overlay, or an error wrapping one of the rejection
// reasons.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Result, error) {
	if g.IsPublic(r.URL.Path) {
		return Result{Public: true}, nil
	}

	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		g.reject(r, err)
		return Result{}, err
	}

	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.reject(r, err)
		return Result{}, err
	}

	overlay := make(http.Header, 2)
	overlay.Set(HeaderUserID, claims.UserID)
	if claims.Role != "" {
		overlay.Set(HeaderUserRole, claims.Role)
	}
	return Result{Claims: claims, Overlay: overlay}, nil
}

func (g *Gate) reject(r *http.Request, err error) {
	reason := Reason(err)
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	g.logger.Warn("auth failure",
		"reason", reason,
		"error", err,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-ID"),
	)
}

// Reason returns a short label for a rejection, used in metrics and logs.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrVerifierUnavailable):
		return "verifier_unavailable"
	default:
		return "invalid_token"
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected Bearer scheme", ErrMalformedToken)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	return token, nil
}
