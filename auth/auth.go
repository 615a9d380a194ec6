package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates a credential and returns the associated user.
// It returns an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, credential string) (UserInfo, error)
}

// AnyOf accepts a credential if any of the authenticators accepts it. They
// are tried in order; ErrInsufficientScope from one of them is reported in
// preference to ErrUnauthorized so the client learns the token was valid.
func AnyOf(authenticators ...Authenticator) Authenticator {
	return anyOf(authenticators)
}

type anyOf []Authenticator

func (a anyOf) CheckAuthentication(ctx context.Context, credential string) (UserInfo, error) {
	var errs []error
	for _, authn := range a {
		ui, err := authn.CheckAuthentication(ctx, credential)
		if err == nil {
			return ui, nil
		}
		if errors.Is(err, ErrInsufficientScope) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrUnauthorized
	}
	return nil, errors.Join(append([]error{ErrUnauthorized}, errs...)...)
}

type staticUser struct{ id string }

func (u staticUser) UserID() string       { return u.id }
func (u staticUser) Claims(ref any) error { return nil }
