package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// Authenticate checks a username and password against users. Unknown
// users still pay for one argon2 verification so response timing does not
// reveal which usernames exist. All credential failures are an
// *AuthenticationError wrapping ErrInvalidCredentials.
func Authenticate(ctx context.Context, users UserRepository, username, password string) (*User, error) {
	user, err := users.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		dummyHashOnce.Do(func() { dummyHash, _ = HashPassword("foundry-timing-equaliser") }) //nolint:errcheck // best effort
		VerifyPassword(password, dummyHash)                                                  //nolint:errcheck // timing only
		return nil, unauthenticated(ErrInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, unauthenticated(ErrInvalidCredentials)
	}
	if !user.IsActive {
		return nil, unauthenticated(ErrUserInactive)
	}
	return user, nil
}
