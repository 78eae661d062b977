// Package auth guards the internal executor-callback API with a single
// shared bearer token, modeled on api/internal/auth/tokenhash.go's
// TokenHasher. StreamSpace hashes one bcrypt secret per agent looked up by
// agent_id; this control plane has exactly one internal caller class (the
// executor runner inside every session's container) so there is one secret,
// configured once as INTERNAL_API_TOKEN and hashed once at startup rather
// than per-row in a database.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenValidator compares bearer tokens presented by the executor runner
// against the control plane's configured INTERNAL_API_TOKEN.
type TokenValidator struct {
	hash []byte
}

// NewTokenValidator hashes the configured plaintext token once at startup.
// An empty token disables the internal API entirely (Validate always fails),
// which is the safe default for a misconfigured deployment rather than
// silently accepting any bearer value.
func NewTokenValidator(plainToken string) (*TokenValidator, error) {
	if plainToken == "" {
		return &TokenValidator{}, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plainToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash internal api token: %w", err)
	}
	return &TokenValidator{hash: h}, nil
}

// Enabled reports whether a token was configured at all.
func (v *TokenValidator) Enabled() bool {
	return len(v.hash) > 0
}

// Validate reports whether presented matches the configured token. An empty
// presented token is rejected up front; any other is checked with bcrypt's
// constant-time comparison, so callers don't need to special-case
// empty-vs-wrong tokens before calling.
func (v *TokenValidator) Validate(presented string) bool {
	if !v.Enabled() || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(presented)) == nil
}
