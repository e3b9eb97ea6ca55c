package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/risk"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeUnauthorized    = "unauthorised"
	ErrCodeForbidden       = "forbidden"
	ErrCodeRiskBlocked     = "risk_blocked"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeRiskUnavailable = "risk_unavailable"
	ErrCodeInternal        = "internal_error"
	ErrCodeUnavailable     = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeSecurityError maps an error from the auth, restriction or risk
// packages onto its status and code, and notes the code as the audit reason.
// The body never carries the error text.
func (s *Server) writeSecurityError(w http.ResponseWriter, r *http.Request, err error) {
	info := infoFrom(r.Context())

	var (
		authnErr *auth.AuthenticationError
		authzErr *auth.AuthorizationError
		blocked  *risk.BlockedError
	)
	switch {
	case errors.As(err, &authnErr):
		info.reason = ErrCodeUnauthorized
		writeUnauthorized(w, "authentication required")
	case errors.As(err, &blocked):
		info.reason = ErrCodeRiskBlocked
		writeError(w, http.StatusForbidden, ErrCodeRiskBlocked, "request blocked by risk assessment")
	case errors.As(err, &authzErr):
		info.reason = ErrCodeForbidden
		if authzErr.Reason != "" {
			info.reason = ErrCodeForbidden + ":" + authzErr.Reason
		}
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "access denied")
	default:
		s.logger.Error("security check failed", "error", err, "request_id", requestIDFrom(r.Context()))
		info.reason = ErrCodeInternal
		writeInternalError(w, "internal server error")
	}
}
