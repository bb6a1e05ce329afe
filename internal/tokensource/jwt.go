package tokensource

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenExpiry extracts the expiry timestamp from a bearer token that is a
// JWT. The signature is not verified; the claim only seeds the credential's
// expiry so an expired token is skipped instead of burning a request.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
