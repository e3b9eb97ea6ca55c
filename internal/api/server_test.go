package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/foundry-core/internal/audit"
	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/logging"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
)

func TestNew_RequiresDependencies(t *testing.T) {
	f := newFixture(t)
	valid := Deps{
		Logger:       logging.Discard(),
		Tokens:       f.tokens,
		Users:        f.users,
		Risk:         f.server.risk,
		Restrictions: f.store,
		Robots:       f.robots,
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"no logger", func(d *Deps) { d.Logger = nil }},
		{"no tokens", func(d *Deps) { d.Tokens = nil }},
		{"no users", func(d *Deps) { d.Users = nil }},
		{"no risk engine", func(d *Deps) { d.Risk = nil }},
		{"no restriction store", func(d *Deps) { d.Restrictions = nil }},
		{"no robot store", func(d *Deps) { d.Robots = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if _, err := New(d); err == nil {
				t.Error("New() expected error")
			}
		})
	}

	if _, err := New(valid); err != nil {
		t.Errorf("New() with required deps error = %v", err)
	}
}

func TestProtected_RequiresBearer(t *testing.T) {
	f := newFixture(t)

	pair, err := f.tokens.Issue(f.operator.Subject())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		auth  string
	}{
		{"no header", "", ""},
		{"not bearer", "", "Basic a2ltOnB3"},
		{"garbage", "not-a-jwt", ""},
		{"refresh token", pair.RefreshToken, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request{path: "/api/v1/robots", token: tt.token}
			if tt.auth != "" {
				req.headers = map[string]string{"Authorization": tt.auth}
			}
			w := f.do(req)
			assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
		})
	}
}

func TestProtected_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)

	f.clock.Advance(16 * time.Minute)
	w := f.do(request{path: "/api/v1/robots", token: token})
	assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestRisk_HeadersOnAllowedRequest(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)

	// First sight of the device.
	w := f.do(request{path: "/api/v1/robots", token: token})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Risk-Score"); got != "25" {
		t.Errorf("X-Risk-Score = %q, want 25", got)
	}
	if got := w.Header().Get("X-Security-Level"); got != string(risk.LevelMedium) {
		t.Errorf("X-Security-Level = %q, want MEDIUM", got)
	}
	if _, ok := f.store.Get(f.operator.ID, "robots"); ok {
		t.Error("allow decision wrote a restriction")
	}

	// The device is now known.
	w = f.do(request{path: "/api/v1/robots", token: token})
	if got := w.Header().Get("X-Risk-Score"); got != "0" {
		t.Errorf("second X-Risk-Score = %q, want 0", got)
	}
}

func TestRisk_RestrictStoresRestriction(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)

	// new IP (20) + new device (25) = 45: HIGH, restricted but let through.
	w := f.do(request{path: "/api/v1/robots", token: token, addr: publicAddr, device: "laptop-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Security-Level"); got != string(risk.LevelHigh) {
		t.Errorf("X-Security-Level = %q, want HIGH", got)
	}

	r, ok := f.store.Get(f.operator.ID, "robots")
	if !ok {
		t.Fatal("restriction not stored for (user, robots)")
	}
	if r.WorkingHours == nil || r.WorkingHours.Start != 8 || r.WorkingHours.End != 20 {
		t.Errorf("WorkingHours = %+v, want 8-20", r.WorkingHours)
	}
	if want := f.clock.Now().Add(4 * time.Hour); !r.ValidUntil.Equal(want) {
		t.Errorf("ValidUntil = %v, want %v", r.ValidUntil, want)
	}

	// Context observed; only the prior restriction scores now.
	w = f.do(request{path: "/api/v1/robots", token: token, addr: publicAddr, device: "laptop-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Risk-Score"); got != "10" {
		t.Errorf("second X-Risk-Score = %q, want 10", got)
	}
}

func TestRisk_BlockAtEighty(t *testing.T) {
	f := newFixture(t)
	// Saturday 02:00: unusual hour (10) and weekend (5).
	f.clock.Set(time.Date(2026, 3, 7, 2, 0, 0, 0, time.UTC))
	token := f.tokenFor(f.operator)

	// + new IP (20), missing device (25), missing user agent (20) = 80.
	w := f.do(request{path: "/api/v1/robots", token: token, addr: publicAddr, ua: "-", device: "-"})
	assertError(t, w, http.StatusForbidden, ErrCodeRiskBlocked)
	if got := w.Header().Get("X-Risk-Score"); got != "80" {
		t.Errorf("X-Risk-Score = %q, want 80", got)
	}
	if got := w.Header().Get("X-Security-Level"); got != string(risk.LevelCritical) {
		t.Errorf("X-Security-Level = %q, want CRITICAL", got)
	}
	if _, ok := f.store.Get(f.operator.ID, "robots"); ok {
		t.Error("block decision wrote a restriction")
	}
}

func TestRisk_ConfiguredBlockThreshold(t *testing.T) {
	f := newFixture(t, withBlockThreshold(40))
	token := f.tokenFor(f.operator)

	// new IP (20) + missing device (25) = 45 > 40.
	w := f.do(request{path: "/api/v1/robots", token: token, addr: publicAddr, device: "-"})
	assertError(t, w, http.StatusForbidden, ErrCodeRiskBlocked)
}

func TestRisk_CriticalReducesScope(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.admin)

	// new IP (20) + automated agent (15) + missing device (25) = 60: CRITICAL.
	w := f.do(request{path: "/api/v1/admin/audit", token: token, addr: publicAddr, ua: "curl/8.5", device: "-"})
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)

	r, ok := f.store.Get(f.admin.ID, "admin")
	if !ok {
		t.Fatal("critical restriction not stored")
	}
	if !r.ReducedScope {
		t.Error("critical restriction should reduce scope")
	}
	if len(r.AllowedIPs) != 1 || r.AllowedIPs[0] != "203.0.113.7" {
		t.Errorf("AllowedIPs = %v, want the caller's IP", r.AllowedIPs)
	}
}

func TestRestriction_Enforced(t *testing.T) {
	tests := []struct {
		name   string
		scope  string
		r      restriction.Restriction
		reason string
	}{
		{
			name:   "ip not allowed",
			scope:  "robots",
			r:      restriction.Restriction{AllowedIPs: []string{"10.9.9.9"}},
			reason: "forbidden:" + restriction.ReasonIP,
		},
		{
			name:   "device not allowed",
			scope:  "robots",
			r:      restriction.Restriction{AllowedDevices: []string{"other-device"}},
			reason: "forbidden:" + restriction.ReasonDevice,
		},
		{
			name:   "outside working hours",
			scope:  "robots",
			r:      restriction.Restriction{WorkingHours: &restriction.Hours{Start: 0, End: 6}},
			reason: "forbidden:" + restriction.ReasonHours,
		},
		{
			name:   "user-wide restriction",
			scope:  "",
			r:      restriction.Restriction{AllowedIPs: []string{"10.9.9.9"}},
			reason: "forbidden:" + restriction.ReasonIP,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() { f.sink.Run(ctx); close(done) }()

			token := f.tokenFor(f.operator)
			f.store.Set(f.operator.ID, tt.scope, tt.r, f.clock.Now().Add(time.Hour))

			w := f.do(request{path: "/api/v1/robots", token: token})
			assertError(t, w, http.StatusForbidden, ErrCodeForbidden)
			if w.Header().Get("X-Risk-Score") != "" {
				t.Error("restricted request should not reach risk assessment")
			}

			cancel()
			<-done
			events := f.recorded.all()
			if len(events) != 1 {
				t.Fatalf("audit events = %d, want 1", len(events))
			}
			if events[0].Reason != tt.reason {
				t.Errorf("audit Reason = %q, want %q", events[0].Reason, tt.reason)
			}
			if events[0].UserID != f.operator.ID {
				t.Errorf("audit UserID = %q, want %q", events[0].UserID, f.operator.ID)
			}
		})
	}
}

func TestRestriction_ExpiredIsIgnored(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)
	f.store.Set(f.operator.ID, "robots",
		restriction.Restriction{AllowedIPs: []string{"10.9.9.9"}}, f.clock.Now().Add(time.Minute))

	f.clock.Advance(2 * time.Minute)
	w := f.do(request{path: "/api/v1/robots", token: token})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if f.store.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed on read", f.store.Len())
	}
}

func TestRequirePermission(t *testing.T) {
	f := newFixture(t)

	w := f.do(request{path: "/api/v1/admin/audit", token: f.tokenFor(f.operator)})
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)

	w = f.do(request{path: "/api/v1/admin/audit", token: f.tokenFor(f.admin)})
	if w.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
}

func TestRisk_CancelledContextFailsClosed(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(f.operator)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, _ := http.NewRequestWithContext(ctx, http.MethodGet, "/api/v1/robots", nil)
	r.RemoteAddr = internalAddr
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("User-Agent", testUA)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assertError(t, w, http.StatusServiceUnavailable, ErrCodeRiskUnavailable)
}

func TestAudit_RecordsRelevantRequests(t *testing.T) {
	f := newFixture(t, withRateLimit(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 100, LoginPerMinute: 1, Burst: 100,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.sink.Run(ctx); close(done) }()

	token := f.tokenFor(f.operator)
	f.do(request{path: "/api/v1/robots", token: token})               // 200, not relevant
	f.do(request{path: "/api/v1/robots"})                             // 401
	f.do(request{path: "/api/v1/auth/me", token: token})              // auth path
	f.do(request{method: http.MethodPost, path: "/api/v1/auth/login", // bad password
		body: loginRequest{Username: "kim", Password: "wrong"}})
	f.do(request{method: http.MethodPost, path: "/api/v1/auth/login", // 429
		body: loginRequest{Username: "kim", Password: "wrong"}})
	f.do(request{path: "/api/v1/health"}) // not relevant

	cancel()
	<-done

	events := f.recorded.all()
	want := []struct {
		path   string
		status int
		reason string
	}{
		{"/api/v1/robots", http.StatusUnauthorized, ErrCodeUnauthorized},
		{"/api/v1/auth/me", http.StatusOK, ""},
		{"/api/v1/auth/login", http.StatusUnauthorized, ErrCodeUnauthorized},
		{"/api/v1/auth/login", http.StatusTooManyRequests, ErrCodeRateLimited},
	}
	if len(events) != len(want) {
		t.Fatalf("audit events = %d (%+v), want %d", len(events), events, len(want))
	}
	for i, w := range want {
		e := events[i]
		if e.Path != w.path || e.Status != w.status || e.Reason != w.reason {
			t.Errorf("event[%d] = %s %d %q, want %s %d %q", i, e.Path, e.Status, e.Reason, w.path, w.status, w.reason)
		}
		if e.ClientIP != "10.0.0.5" {
			t.Errorf("event[%d].ClientIP = %q", i, e.ClientIP)
		}
		if e.ID == "" || e.RequestID == "" {
			t.Errorf("event[%d] missing ids: %+v", i, e)
		}
	}
	if events[1].RiskScore == nil {
		t.Error("assessed request should carry its risk score")
	}
	if events[1].UserID != f.operator.ID {
		t.Errorf("event[1].UserID = %q, want %q", events[1].UserID, f.operator.ID)
	}
}

func TestAudit_SinkOptional(t *testing.T) {
	f := newFixture(t)
	f.server.audit = nil
	f.handler = f.server.Handler()

	w := f.do(request{path: "/api/v1/robots"})
	assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
}

var _ audit.Repository = (*memoryAudit)(nil)
