// Package api implements the HTTP REST API and WebSocket server for Foundry Core.
//
// This package provides:
//   - Login, refresh and identity endpoints backed by auth.TokenService
//   - Robot state reads from the telemetry store
//   - A WebSocket hub that pushes robot.state_changed events
//   - Admin endpoints for the security audit trail and signing key rotation
//   - /metrics in the Prometheus exposition format
//
// # Pipeline
//
// Every request passes through one ordered middleware slice (see pipeline in
// router.go): request id, panic recovery, security headers, CORS, audit,
// logging, metrics, rate limiting and body limit. Protected routes then add
// bearer authentication, contextual restriction enforcement, risk assessment
// and a per-route permission check, in that order.
//
// Authenticated responses carry X-Risk-Score and X-Security-Level.
//
// # Errors
//
// Failures are written as {status, code, message}. Messages never contain
// internal error text. Codes: unauthorised (401), forbidden and risk_blocked
// (403), rate_limited (429), risk_unavailable (503).
package api
