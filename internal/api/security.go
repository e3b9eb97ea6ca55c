package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
)

// deviceHeader carries the client's stable device identifier.
const deviceHeader = "X-Device-ID"

// scopeFor names the resource family a request targets, which is the key
// restrictions and assessments are stored under: "robots", "admin", "auth".
func scopeFor(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1")
	rest = strings.TrimPrefix(rest, "/")
	scope, _, _ := strings.Cut(rest, "/")
	return scope
}

// requestContext gathers what the risk engine scores.
func (s *Server) requestContext(r *http.Request) risk.RequestContext {
	return risk.RequestContext{
		IP:        s.clientIP(r),
		UserAgent: r.UserAgent(),
		DeviceID:  strings.TrimSpace(r.Header.Get(deviceHeader)),
		At:        s.now(),
	}
}

// authMiddleware validates the Bearer access token. Refresh tokens and
// everything else that does not parse as an access token get a 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeSecurityError(w, r, &auth.AuthenticationError{Err: auth.ErrTokenInvalid})
			return
		}
		claims, err := s.tokens.ParseAccess(token)
		if err != nil {
			s.writeSecurityError(w, r, err)
			return
		}
		infoFrom(r.Context()).claims = claims
		next.ServeHTTP(w, r)
	})
}

// restrictionMiddleware enforces any live restriction for the caller on
// this scope, or on every scope (the empty scope). Working hours are judged
// in site-local time.
func (s *Server) restrictionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := infoFrom(r.Context())
		rs, ok := s.restrict.Effective(info.claims.UserID, scopeFor(r.URL.Path))
		if ok {
			req := restriction.Request{
				IP:       s.clientIP(r),
				DeviceID: strings.TrimSpace(r.Header.Get(deviceHeader)),
				At:       s.now().In(s.risk.Location()),
			}
			if err := rs.Permits(req); err != nil {
				s.writeSecurityError(w, r, err)
				return
			}
			info.restriction = &rs
		}
		next.ServeHTTP(w, r)
	})
}

// riskMiddleware scores the request. A block ends it with 403; a failed
// assessment ends it with 503. Allowed and restricted contexts are
// remembered so the same IP and device stop counting as new.
func (s *Server) riskMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := infoFrom(r.Context())
		rc := s.requestContext(r)

		a, err := s.risk.Assess(r.Context(), info.claims.UserID, scopeFor(r.URL.Path), rc)
		if err != nil {
			s.logger.Warn("risk assessment failed", "error", err, "user_id", info.claims.UserID)
			info.reason = ErrCodeRiskUnavailable
			writeError(w, http.StatusServiceUnavailable, ErrCodeRiskUnavailable, "risk assessment unavailable")
			return
		}
		info.assessment = &a
		w.Header().Set("X-Risk-Score", strconv.Itoa(a.Score))
		w.Header().Set("X-Security-Level", string(a.Level))

		if err := a.Err(); err != nil {
			s.writeSecurityError(w, r, err)
			return
		}
		if a.Restriction != nil {
			info.restriction = a.Restriction
		}
		s.risk.Observe(info.claims.UserID, rc)
		next.ServeHTTP(w, r)
	})
}

// requirePermission rejects callers whose role lacks perm. A caller under a
// reduced-scope restriction keeps read access to robots and nothing else.
func (s *Server) requirePermission(perm auth.Permission) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := infoFrom(r.Context())
			if info.claims == nil {
				s.writeSecurityError(w, r, &auth.AuthenticationError{Err: auth.ErrTokenInvalid})
				return
			}
			if err := auth.Require(info.claims.Role, perm); err != nil {
				s.writeSecurityError(w, r, err)
				return
			}
			if info.restriction != nil && info.restriction.ReducedScope && perm != auth.PermRobotRead {
				s.writeSecurityError(w, r, &auth.AuthorizationError{Reason: "reduced_scope", Err: auth.ErrForbidden})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// isAuthError reports whether err identifies the caller as unauthenticated.
func isAuthError(err error) bool {
	var authnErr *auth.AuthenticationError
	return errors.As(err, &authnErr)
}
