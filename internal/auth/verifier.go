package auth

import (
	"fmt"
	"log/slog"

	"github.com/oarthurfc/delivery-app/internal/config"
)

// NewVerifier builds the verifier chain described by cfg: the identity
// service when validate_url is set, local HMAC verification otherwise,
// optionally behind a cache.
func NewVerifier(cfg config.AuthConfig, logger *slog.Logger) (Verifier, error) {
	var v Verifier
	switch {
	case cfg.ValidateURL != "":
		v = NewRemoteVerifier(cfg.ValidateURL, cfg.ValidateTimeout)
		logger.Info("token validation delegated", "url", cfg.ValidateURL)
	case cfg.JWTSecret != "":
		v = NewHMACVerifier(cfg.JWTSecret, cfg.Leeway)
	default:
		return nil, fmt.Errorf("auth: neither jwt_secret nor validate_url configured")
	}
	if cfg.CacheSize > 0 {
		v = NewCachingVerifier(v, cfg.CacheSize, cfg.CacheTTL)
	}
	return v, nil
}
