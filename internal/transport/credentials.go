package transport

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials authenticate one connection. Token is an opaque bearer token.
type Credentials struct {
	Username string
	Token    string
}

// Equal reports whether both credentials would open the same session
func (c Credentials) Equal(other Credentials) bool {
	return c.Username == other.Username && c.Token == other.Token
}

// ExpiresAt returns the exp claim when the token is a JWT. The signature is
// not checked, the broker does that.
func (c Credentials) ExpiresAt() (time.Time, bool) {
	if c.Token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired reports whether the token carries an exp claim in the past
func (c Credentials) Expired(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	return ok && !now.Before(exp)
}
