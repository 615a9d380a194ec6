package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// DefaultRealm is the realm advertised in Bearer challenges.
const DefaultRealm = "MCP Server"

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// NewAuthenticationRequired builds the challenge for missing or invalid credentials.
func NewAuthenticationRequired(realm string) AuthenticationChallenge {
	return AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s"`, realm),
	}
}

// NewInsufficientScope builds the challenge for a valid token lacking scope.
func NewInsufficientScope(realm string) AuthenticationChallenge {
	return AuthenticationChallenge{
		Status:          http.StatusForbidden,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="insufficient_scope"`, realm),
	}
}

// ChallengeFor maps an authentication error to the challenge to send.
func ChallengeFor(realm string, err error) AuthenticationChallenge {
	if errors.Is(err, ErrInsufficientScope) {
		return NewInsufficientScope(realm)
	}
	return NewAuthenticationRequired(realm)
}
