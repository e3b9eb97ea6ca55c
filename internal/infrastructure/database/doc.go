// Package database provides the SQLite store behind Foundry Core.
//
// It holds three kinds of data:
//   - users (login credentials, role, company)
//   - security_events (the audit trail of auth and admin traffic)
//   - robot_states (last known state per robot, restored on boot)
//
// Schema changes live in the top-level migrations package as
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql pairs and are registered with
// RegisterMigrations.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
package database
