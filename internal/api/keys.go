package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/foundry-core/internal/auth"
)

// rotateRequest is the optional body of POST /admin/keys/rotate. With no
// secret a random one is generated.
type rotateRequest struct {
	Secret string `json:"secret"`
}

// handleRotateKeys makes a new signing key active. Under the grace policy
// tokens signed with earlier keys keep verifying until the grace period
// ends; under revoke they are rejected immediately.
func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "key rotation not configured")
		return
	}

	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	secret := []byte(req.Secret)
	if len(secret) == 0 {
		var err error
		if secret, err = auth.RandomSecret(); err != nil {
			s.logger.Error("generating signing secret failed", "error", err)
			writeInternalError(w, "failed to generate secret")
			return
		}
	}

	kid, err := s.keys.Rotate(secret)
	if errors.Is(err, auth.ErrSecretTooShort) {
		writeBadRequest(w, "secret must be at least 32 bytes")
		return
	}
	if err != nil {
		s.logger.Error("signing key rotation failed", "error", err)
		writeInternalError(w, "key rotation failed")
		return
	}

	policy := s.keys.Policy()
	s.metrics.KeyRotated(string(policy))
	s.logger.Info("signing key rotated", "kid", kid, "policy", string(policy),
		"user_id", claimsFrom(r.Context()).UserID)

	writeJSON(w, http.StatusOK, map[string]any{
		"kid":    kid,
		"policy": policy,
		"keys":   s.keys.Len(),
	})
}
