// Package auth inspects the bearer token the realtime client dials with. The
// token is verified by the server; locally we only read the claims so the
// application shell can derive the session identity and refuse to dial with
// an expired token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned by Identity when the token's exp claim has
// passed.
var ErrTokenExpired = errors.New("token expired")

// Claims are the marketplace JWT claims the client reads.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SessionIdentity is the identity the connection announces.
type SessionIdentity struct {
	UserID    string
	Role      string
	Name      string
	ExpiresAt time.Time
}

// Identity parses token without signature verification and returns the
// session identity. It fails when the token is malformed, missing a subject,
// or already expired.
func Identity(token string) (SessionIdentity, error) {
	var claims Claims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return SessionIdentity{}, errors.New("token missing subject")
	}

	id := SessionIdentity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Name:   claims.Name,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
		if time.Now().After(id.ExpiresAt) {
			return id, ErrTokenExpired
		}
	}
	return id, nil
}
