// Package logging provides structured logging for Foundry Core.
//
// It wraps log/slog so every record carries the service and version
// fields, and components tag themselves with Component("name").
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// Never log bearer tokens, refresh tokens, signing secrets or passwords.
// Log the token's jti or the user id instead.
package logging
