package wsx

import "time"

// Token expiry comparisons use UTC wall clock throughout.
var nowFn = func() time.Time { return time.Now().UTC() }

// TokenInfo is a process-local session token with a TTL.
type TokenInfo struct {
	Value     string
	TTL       time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenInfo creates a token expiring TTL from now.
func NewTokenInfo(value string, ttl time.Duration) *TokenInfo {
	t := &TokenInfo{
		Value:     value,
		TTL:       ttl,
		CreatedAt: nowFn(),
	}
	t.ExpiresAt = t.CreatedAt
	t.Extend(0)
	return t
}

// Extend pushes expiry forward by extendBy, or by the TTL when zero.
// Expiry never decreases.
func (t *TokenInfo) Extend(extendBy time.Duration) {
	if extendBy <= 0 {
		extendBy = t.TTL
	}
	t.ExpiresAt = t.ExpiresAt.Add(extendBy)
}

// IsExpired reports whether the token has expired as of the given time.
func (t *TokenInfo) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
