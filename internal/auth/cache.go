package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedUser struct {
	user    SupabaseUser
	expires time.Time
}

// CachedVerifier remembers successful verifications for ttl so that polling clients
// do not round-trip to the identity provider on every request. Failures are never cached.
type CachedVerifier struct {
	next  Verifier
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedVerifier(next Verifier, size int, ttl time.Duration) (*CachedVerifier, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &CachedVerifier{next: next, cache: cache, ttl: ttl, now: time.Now}, nil
}

func (v *CachedVerifier) VerifyAccessToken(ctx context.Context, accessToken string) (SupabaseUser, error) {
	key := tokenKey(accessToken)
	if raw, ok := v.cache.Get(key); ok {
		entry := raw.(cachedUser)
		if v.now().Before(entry.expires) {
			return entry.user, nil
		}
		v.cache.Remove(key)
	}
	user, err := v.next.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return SupabaseUser{}, err
	}
	if v.ttl > 0 {
		v.cache.Add(key, cachedUser{user: user, expires: v.now().Add(v.ttl)})
	}
	return user, nil
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
