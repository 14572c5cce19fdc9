package authclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the client can learn about a token without verifying it.
// The signature is never checked here; the server is the only authority.
type TokenInfo struct {
	Opaque    bool
	Subject   string
	ExpiresAt *time.Time
}

// Expired reports whether the token carries an expiry that is already past.
// Opaque tokens never expire client side.
func (i TokenInfo) Expired(now time.Time) bool {
	if i.Opaque || i.ExpiresAt == nil {
		return false
	}
	return !now.Before(*i.ExpiresAt)
}

// TokenInspector extracts TokenInfo from a raw token
type TokenInspector interface {
	Inspect(token string) TokenInfo
}

// TokenInspectorFunc adapts a function into a TokenInspector.
type TokenInspectorFunc func(token string) TokenInfo

// Inspect satisfies the TokenInspector interface.
func (f TokenInspectorFunc) Inspect(token string) TokenInfo {
	if f == nil {
		return TokenInfo{Opaque: true}
	}
	return f(token)
}

// JWTInspector reads registered claims from JWT formatted tokens. Anything
// that does not parse as a JWT is reported as opaque.
type JWTInspector struct {
	parser *jwt.Parser
}

// NewJWTInspector returns an inspector for JWT tokens
func NewJWTInspector() *JWTInspector {
	return &JWTInspector{parser: jwt.NewParser()}
}

func (j *JWTInspector) Inspect(raw string) TokenInfo {
	if raw == "" {
		return TokenInfo{Opaque: true}
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := j.parser.ParseUnverified(raw, claims); err != nil {
		return TokenInfo{Opaque: true}
	}

	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		info.ExpiresAt = &exp
	}
	return info
}
