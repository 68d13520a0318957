// Package auth guards the daemon's HTTP endpoints with a per-daemon bearer
// token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// NewToken returns a fresh random token. Each daemon run gets its own and
// publishes it only through its owner-readable registry file.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// ExtractBearerToken reads the token from an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

// SetBearerToken adds token to an outgoing request.
func SetBearerToken(r *http.Request, token string) {
	r.Header.Set("Authorization", "Bearer "+token)
}

// Matches compares tokens in constant time. Empty tokens never match.
func Matches(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
