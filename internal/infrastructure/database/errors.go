package database

import "errors"

var (
	// ErrNoPath is returned by Open when the configuration has no file path.
	ErrNoPath = errors.New("database path not configured")

	// ErrNoMigrations is returned by Rollback when nothing has been applied.
	ErrNoMigrations = errors.New("no applied migrations")

	// ErrMissingDown is returned by Rollback when the latest migration has no
	// .down.sql counterpart.
	ErrMissingDown = errors.New("migration has no down script")
)
