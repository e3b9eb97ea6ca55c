package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginScope is the scope credential checks are assessed under.
const loginScope = "auth"

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// refreshRequest is the request body for POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// meResponse is the response body for GET /auth/me.
type meResponse struct {
	Username    string                   `json:"username"`
	UserID      string                   `json:"userId"`
	CompanyID   string                   `json:"companyId"`
	Role        auth.Role                `json:"role"`
	Permissions []auth.Permission        `json:"permissions"`
	Assessment  *risk.Assessment         `json:"assessment,omitempty"`
	Restriction *restriction.Restriction `json:"restriction,omitempty"`
}

// handleLogin verifies credentials, assesses the login context and issues a
// token pair.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	user, err := auth.Authenticate(r.Context(), s.users, req.Username, req.Password)
	if err != nil {
		if !isAuthError(err) {
			s.logger.Error("login lookup failed", "error", err)
		}
		s.writeSecurityError(w, r, err)
		return
	}

	info := infoFrom(r.Context())
	info.claims = &auth.Claims{UserID: user.ID, CompanyID: user.CompanyID, Role: user.Role}

	rc := s.requestContext(r)
	a, err := s.risk.Assess(r.Context(), user.ID, loginScope, rc)
	if err != nil {
		s.logger.Warn("risk assessment failed at login", "error", err, "user_id", user.ID)
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
	s.risk.Observe(user.ID, rc)

	pair, err := s.tokens.Issue(user.Subject())
	if err != nil {
		s.logger.Error("issuing tokens failed", "error", err, "user_id", user.ID)
		writeInternalError(w, "failed to generate token")
		return
	}
	s.metrics.TokenIssued(string(auth.TokenAccess))
	s.metrics.TokenIssued(string(auth.TokenRefresh))

	s.logger.Info("user logged in", "user_id", user.ID, "risk_score", a.Score)
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh exchanges a refresh token for a new pair. The identity is
// reloaded, so a deactivated user cannot refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refreshToken is required")
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if !isAuthError(err) {
			s.logger.Error("token refresh failed", "error", err)
		}
		s.writeSecurityError(w, r, err)
		return
	}
	if claims, err := s.tokens.ParseAccess(pair.AccessToken); err == nil {
		infoFrom(r.Context()).claims = claims
	}
	s.metrics.TokenIssued(string(auth.TokenAccess))
	s.metrics.TokenIssued(string(auth.TokenRefresh))
	writeJSON(w, http.StatusOK, pair)
}

// handleMe returns the caller's identity along with the assessment and
// restriction that applied to this very request.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	info := infoFrom(r.Context())
	c := info.claims
	writeJSON(w, http.StatusOK, meResponse{
		Username:    c.Username(),
		UserID:      c.UserID,
		CompanyID:   c.CompanyID,
		Role:        c.Role,
		Permissions: auth.PermissionsForRole(c.Role),
		Assessment:  info.assessment,
		Restriction: info.restriction,
	})
}

// handleWSTicket issues a single-use WebSocket ticket so the access token
// never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.issue(*claimsFrom(r.Context()))
	if err != nil {
		s.logger.Error("generating websocket ticket failed", "error", err)
		writeInternalError(w, "failed to generate ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":    ticket,
		"expiresIn": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket tickets. Tickets are single-use and
// expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
	now     func() time.Time
}

type ticketEntry struct {
	claims    auth.Claims
	expiresAt time.Time
}

func newTicketStore(now func() time.Time) *ticketStore {
	return &ticketStore{
		tickets: make(map[string]ticketEntry),
		now:     now,
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

func (ts *ticketStore) issue(claims auth.Claims) (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{claims: claims, expiresAt: ts.now().Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket, nil
}

// redeem consumes a ticket and returns the identity it was issued to.
func (ts *ticketStore) redeem(ticket string) (auth.Claims, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return auth.Claims{}, false
	}
	delete(ts.tickets, ticket)

	if !ts.now().Before(entry.expiresAt) {
		return auth.Claims{}, false
	}
	return entry.claims, true
}

// sweep removes expired tickets and reports how many were removed.
func (ts *ticketStore) sweep() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	n := 0
	for ticket, entry := range ts.tickets {
		if !now.Before(entry.expiresAt) {
			delete(ts.tickets, ticket)
			n++
		}
	}
	return n
}

// cleanTicketsLoop sweeps expired tickets until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.sweep()
		}
	}
}
