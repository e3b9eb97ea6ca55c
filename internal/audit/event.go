package audit

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxUserAgent is the number of characters of User-Agent kept per event.
const MaxUserAgent = 50

// Event is one row of the security audit trail.
type Event struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	RiskScore  *int      `json:"risk_score,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Relevant reports whether a request belongs in the audit trail: anything
// under /auth/ or /admin/, and every 401, 403 or 429 response.
func Relevant(path string, status int) bool {
	if strings.Contains(path, "/auth/") || strings.Contains(path, "/admin/") {
		return true
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
