package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SeedAdmin creates the first administrator when the users table is empty
// and returns its generated password. It returns "" when users already exist.
func SeedAdmin(ctx context.Context, users UserRepository, username, companyID string, log Logger) (string, error) {
	n, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if n > 0 {
		return "", nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	admin := &User{
		Username:     username,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         RoleAdmin,
		CompanyID:    companyID,
		IsActive:     true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	log.Warn("seed admin account created",
		"username", username,
		"company_id", companyID,
		"password", password,
		"action_required", "change this password immediately",
	)
	return password, nil
}
