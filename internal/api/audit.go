package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/foundry-core/internal/audit"
)

// auditMiddleware records security-relevant requests once the final status
// is known, including rejections from every later stage.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		info := &requestInfo{}
		wrapped := newStatusWriter(w)

		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), ctxKeyInfo, info)))

		if s.audit == nil || !audit.Relevant(r.URL.Path, wrapped.status) {
			return
		}
		e := audit.Event{
			Method:     r.Method,
			Path:       r.URL.Path,
			ClientIP:   s.clientIP(r),
			UserAgent:  r.UserAgent(),
			RequestID:  requestIDFrom(r.Context()),
			Status:     wrapped.status,
			DurationMs: s.now().Sub(start).Milliseconds(),
			Reason:     info.reason,
			CreatedAt:  start.UTC(),
		}
		if info.claims != nil {
			e.UserID = info.claims.UserID
		}
		if info.assessment != nil {
			score := info.assessment.Score
			e.RiskScore = &score
		}
		s.audit.Record(e)
	})
}

// handleListAudit returns a page of security events, newest first.
//
// Query parameters:
//   - user_id: exact user id
//   - status: exact response status
//   - min_status: status at or above (e.g. 400 for failures only)
//   - since: RFC 3339 lower bound on the event time
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{UserID: q.Get("user_id")}

	for name, dst := range map[string]*int{
		"status":     &filter.Status,
		"min_status": &filter.MinStatus,
		"limit":      &filter.Limit,
		"offset":     &filter.Offset,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit events", "error", err)
		writeInternalError(w, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
