package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oarthurfc/delivery-app/internal/metrics"
)

// CachingVerifier remembers successful verifications for a bounded time so
// repeated requests with the same token skip signature checks or the
// identity service round trip. Failures are never cached, and an entry is
// never served past the token's own expiry.
type CachingVerifier struct {
	next  Verifier
	cache *expirable.LRU[string, Claims]
	now   func() time.Time
}

// NewCachingVerifier wraps next with an LRU of size entries, each kept for
// at most ttl.
func NewCachingVerifier(next Verifier, size int, ttl time.Duration) *CachingVerifier {
	return &CachingVerifier{
		next:  next,
		cache: expirable.NewLRU[string, Claims](size, nil, ttl),
		now:   time.Now,
	}
}

// Verify returns cached claims when present and unexpired, otherwise
// delegates.
func (c *CachingVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	key := tokenKey(token)
	if claims, ok := c.cache.Get(key); ok {
		if claims.ExpiresAt.IsZero() || c.now().Before(claims.ExpiresAt) {
			metrics.TokenCacheResults.WithLabelValues("hit").Inc()
			return claims, nil
		}
		c.cache.Remove(key)
	}
	metrics.TokenCacheResults.WithLabelValues("miss").Inc()

	claims, err := c.next.Verify(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	c.cache.Add(key, claims)
	return claims, nil
}

// Len returns the number of cached entries.
func (c *CachingVerifier) Len() int {
	return c.cache.Len()
}

// tokenKey hashes the token so raw credentials are not held in memory
// longer than the request.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
