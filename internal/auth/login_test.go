package auth

import (
	"context"
	"errors"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	repo := NewUserRepository(testDB(t))
	ctx := context.Background()
	kim := seedTestUser(t, repo, "kim", RoleOperator)
	off := seedTestUser(t, repo, "alex", RoleOperator)
	repo.SetActive(ctx, off.ID, false) //nolint:errcheck // user exists

	got, err := Authenticate(ctx, repo, "kim", "test-password")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != kim.ID {
		t.Errorf("Authenticate() user = %s, want %s", got.ID, kim.ID)
	}

	tests := []struct {
		name, username, password string
		wantErr                  error
	}{
		{"wrong password", "kim", "nope", ErrInvalidCredentials},
		{"unknown user", "ghost", "test-password", ErrInvalidCredentials},
		{"inactive user", "alex", "test-password", ErrUserInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Authenticate(ctx, repo, tt.username, tt.password)
			var authErr *AuthenticationError
			if !errors.As(err, &authErr) || !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want AuthenticationError wrapping %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeedAdmin(t *testing.T) {
	repo := NewUserRepository(testDB(t))
	ctx := context.Background()

	password, err := SeedAdmin(ctx, repo, "admin", "company-001", nopLogger{})
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if len(password) != 32 {
		t.Errorf("seed password length = %d, want 32", len(password))
	}

	admin, err := Authenticate(ctx, repo, "admin", password)
	if err != nil {
		t.Fatalf("Authenticate(seeded) error = %v", err)
	}
	if admin.Role != RoleAdmin || admin.CompanyID != "company-001" {
		t.Errorf("seeded admin = %+v", admin)
	}

	again, err := SeedAdmin(ctx, repo, "admin2", "company-001", nopLogger{})
	if err != nil || again != "" {
		t.Errorf("second SeedAdmin() = %q, %v; want no-op", again, err)
	}
	if n, _ := repo.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
