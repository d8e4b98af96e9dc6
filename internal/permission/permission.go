// Package permission defines the JWT claims accepted on the relay's HTTP
// surface (currently only the status endpoint).
package permission

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// StatsScope authorises reading connection reports from the status endpoint
const StatsScope = "notify:stats"

// Token represents a JWT token
type Token struct {

	// Scopes controlling access to the relay's HTTP surface,
	// e.g. ["notify:stats"]
	Scopes []string `json:"scopes"`

	jwt.RegisteredClaims
}

// NewToken returns a Token populated with the supplied information
func NewToken(audience string, scopes []string, iat, nbf, exp int64) Token {

	return Token{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			NotBefore: jwt.NewNumericDate(time.Unix(nbf, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
			Audience:  []string{audience},
		},
	}
}

// HasRequiredClaims returns false if the token is missing any required
// elements
func HasRequiredClaims(token Token) bool {

	if len(token.Scopes) == 0 ||
		len(token.RegisteredClaims.Audience) == 0 ||
		token.RegisteredClaims.ExpiresAt == nil ||
		(*token.RegisteredClaims.ExpiresAt).IsZero() {
		return false
	}
	return true
}

// HasScope returns true if the token carries scope
func (t *Token) HasScope(scope string) bool {

	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}
