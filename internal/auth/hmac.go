package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier verifies HS256/HS384/HS512 tokens against a shared secret.
// The exp claim is required.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates a verifier for secret, tolerating leeway of clock
// skew on time-based claims.
func NewHMACVerifier(secret string, leeway time.Duration) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
}

// Verify parses and validates token.
func (v *HMACVerifier) Verify(_ context.Context, token string) (Claims, error) {
	mc := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, mc, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims := Claims{
		UserID: claimString(mc, "userId", "id", "sub"),
		Role:   claimString(mc, "role"),
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: no userId claim", ErrInvalidSignature)
	}
	return claims, nil
}

// claimString returns the first of keys present in mc, rendered as a
// string. Numeric ids are formatted without a fraction.
func claimString(mc jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := mc[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
