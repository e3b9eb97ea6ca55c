package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/database"
	_ "github.com/nerrad567/foundry-core/migrations" // registers the schema
)

const testSecret = "test-secret-key-at-least-32-chars!"

// testDB opens a migrated temp-file database.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "auth.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

// seedTestUser inserts an active user with password "test-password".
func seedTestUser(t *testing.T, repo *SQLiteUserRepository, username string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u := &User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		CompanyID:    "company-001",
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return u
}

// testClock is a settable clock for token and keyring tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// subjects is an in-memory SubjectSource.
type subjects map[string]Subject

func (s subjects) Subject(_ context.Context, userID string) (Subject, error) {
	sub, ok := s[userID]
	if !ok {
		return Subject{}, ErrUserNotFound
	}
	return sub, nil
}

// nopLogger satisfies Logger and discards everything.
type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func newTestTokenService(t *testing.T, clock *testClock, policy RotationPolicy) (*TokenService, *Keyring) {
	t.Helper()

	keys, err := NewKeyring([]byte(testSecret), policy, 7*24*time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	svc, err := NewTokenService(TokenConfig{
		Issuer:     "foundry-dashboard",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Now:        clock.Now,
		Subjects: subjects{
			"usr-1": {Username: "kim", UserID: "usr-1", CompanyID: "company-001", Role: RoleOperator},
		},
	}, keys)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	return svc, keys
}
