package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUsernameExists     = errors.New("username already exists")

	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token has expired")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrUnknownKey     = errors.New("unknown signing key")

	ErrSecretTooShort = errors.New("signing secret must be at least 32 bytes")
	ErrForbidden      = errors.New("insufficient permissions")
)

// AuthenticationError means the caller could not be identified. The API
// answers it with 401.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AuthorizationError means the caller is known but not allowed. The API
// answers it with 403.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("authorization failed: %v", e.Err)
	}
	return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

func unauthenticated(err error) error {
	return &AuthenticationError{Err: err}
}
