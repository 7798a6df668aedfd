// Authenticator guards the operational endpoints named in spec
// section 6.4 (metrics, tx lookup) that are secure per the optional
// API_TOKEN configuration of spec section 6.5. Grounded on the
// teacher's go/runtime/authorizer.go use of golang-jwt/jwt/v5 to
// verify a bearer's signature and claims before trusting a caller.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a bearer token is missing, malformed,
// or fails signature/claims verification.
var ErrUnauthorized = errors.New("pipeline: unauthorized")

// Authenticator verifies bearer tokens signed with a shared HMAC secret
// (API_TOKEN). A zero-value Authenticator (empty Secret) treats every
// call as authorized, matching spec section 6.5's "(optional)" framing:
// secure endpoints are only gated when an operator configures a token.
type Authenticator struct {
	Secret string
}

// Authorize checks the Authorization header value (as received verbatim,
// e.g. "Bearer <token>") against the configured secret. An empty
// Secret disables the check entirely.
func (a Authenticator) Authorize(header string) error {
	if a.Secret == "" {
		return nil
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ErrUnauthorized
	}
	var raw = strings.TrimPrefix(header, prefix)

	var _, err = jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}
