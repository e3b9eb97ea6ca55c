package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/foundry-core/internal/audit"
	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/database"
	"github.com/nerrad567/foundry-core/internal/infrastructure/logging"
	"github.com/nerrad567/foundry-core/internal/infrastructure/metrics"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
	"github.com/nerrad567/foundry-core/internal/telemetry"
	_ "github.com/nerrad567/foundry-core/migrations" // registers the schema
)

const (
	testSecret   = "test-secret-key-at-least-32-chars!"
	testPassword = "test-password"

	// internalAddr is a private address, so it never scores as a new IP.
	internalAddr = "10.0.0.5:41000"
	// publicAddr scores as a new IP until observed.
	publicAddr = "203.0.113.7:41000"

	testUA     = "foundry-dashboard/2.1"
	testDevice = "tablet-line-3"
)

// testClock is a settable clock. It starts on a Monday mid-morning so the
// hour and weekend signals stay quiet.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryAudit is an audit.Repository that keeps events in memory.
type memoryAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryAudit) Create(_ context.Context, e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memoryAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return nil, errors.New("not supported")
}

func (m *memoryAudit) all() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...)
}

// fixture is a fully wired server over a temp database.
type fixture struct {
	t        *testing.T
	clock    *testClock
	server   *Server
	handler  http.Handler
	users    *auth.SQLiteUserRepository
	tokens   *auth.TokenService
	keys     *auth.Keyring
	store    *restriction.Store
	robots   *telemetry.Store
	auditDB  *audit.SQLiteRepository
	recorded *memoryAudit
	sink     *audit.Sink
	metrics  *metrics.Metrics

	operator *auth.User
	admin    *auth.User
}

type fixtureOption func(*Deps, *config.RiskConfig)

func withRateLimit(rl config.RateLimitConfig) fixtureOption {
	return func(d *Deps, _ *config.RiskConfig) { d.RateLimit = rl }
}

func withBlockThreshold(n int) fixtureOption {
	return func(_ *Deps, rc *config.RiskConfig) { rc.BlockThreshold = n }
}

func withHealth(name string, hc HealthChecker) fixtureOption {
	return func(d *Deps, _ *config.RiskConfig) {
		if d.Health == nil {
			d.Health = make(map[string]HealthChecker)
		}
		d.Health[name] = hc
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	f := &fixture{
		t:        t,
		clock:    newTestClock(),
		users:    auth.NewUserRepository(db.DB),
		robots:   telemetry.NewStore(),
		auditDB:  audit.NewSQLiteRepository(db.DB),
		recorded: &memoryAudit{},
		metrics:  metrics.New("test"),
	}
	f.operator = f.seedUser("kim", auth.RoleOperator)
	f.admin = f.seedUser("sam", auth.RoleAdmin)

	f.keys, err = auth.NewKeyring([]byte(testSecret), auth.PolicyGrace, time.Hour, f.clock.Now)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	f.tokens, err = auth.NewTokenService(auth.TokenConfig{
		Issuer:     "foundry-dashboard",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		Subjects:   f.users,
		Now:        f.clock.Now,
	}, f.keys)
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}

	riskCfg := config.Defaults().Risk
	deps := Deps{
		Config:  config.APIConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"https://dashboard.example"}}},
		WS:      config.Defaults().WebSocket,
		Logger:  logging.Discard(),
		Metrics: f.metrics,
		Tokens:  f.tokens,
		Keys:    f.keys,
		Users:   f.users,
		Robots:  f.robots,
		Version: "test",
		Now:     f.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps, &riskCfg)
	}

	f.store = restriction.NewStore(f.clock.Now)
	engine, err := risk.NewEngine(risk.EngineConfig{
		Risk:    riskCfg,
		History: risk.NewHistory(16),
		Store:   f.store,
		Now:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	deps.Risk = engine
	deps.Restrictions = f.store

	f.sink = audit.NewSink(f.recorded, 64)
	deps.Audit = f.sink
	deps.AuditRepo = f.auditDB

	f.server, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) seedUser(username string, role auth.Role) *auth.User {
	f.t.Helper()
	return f.seedUserIn(username, role, "company-001")
}

func (f *fixture) seedUserIn(username string, role auth.Role, companyID string) *auth.User {
	f.t.Helper()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		f.t.Fatalf("HashPassword() error = %v", err)
	}
	u := &auth.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		CompanyID:    companyID,
		IsActive:     true,
	}
	if err := f.users.Create(context.Background(), u); err != nil {
		f.t.Fatalf("creating user %s: %v", username, err)
	}
	return u
}

// tokenFor issues an access token directly, skipping the login endpoint.
func (f *fixture) tokenFor(u *auth.User) string {
	f.t.Helper()
	pair, err := f.tokens.Issue(u.Subject())
	if err != nil {
		f.t.Fatalf("Issue() error = %v", err)
	}
	return pair.AccessToken
}

// request describes one call through the full handler.
type request struct {
	method  string
	path    string
	body    any
	token   string
	addr    string
	ua      string
	device  string
	headers map[string]string
}

// do runs req with the well-known internal address, user agent and device
// unless overridden. Set ua or device to "-" to omit them.
func (f *fixture) do(req request) *httptest.ResponseRecorder {
	f.t.Helper()

	var body bytes.Buffer
	if req.body != nil {
		if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			f.t.Fatalf("encoding body: %v", err)
		}
	}
	if req.method == "" {
		req.method = http.MethodGet
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	r.RemoteAddr = internalAddr
	if req.addr != "" {
		r.RemoteAddr = req.addr
	}
	switch req.ua {
	case "":
		r.Header.Set("User-Agent", testUA)
	case "-":
		r.Header.Del("User-Agent")
	default:
		r.Header.Set("User-Agent", req.ua)
	}
	switch req.device {
	case "":
		r.Header.Set(deviceHeader, testDevice)
	case "-":
	default:
		r.Header.Set(deviceHeader, req.device)
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, status, w.Body.String())
	}
	e := decode[Error](t, w)
	if e.Code != code {
		t.Errorf("code = %q, want %q", e.Code, code)
	}
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("broker unreachable") }

type okCheck struct{}

func (okCheck) HealthCheck(context.Context) error { return nil }

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
