package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/foundry-core/internal/audit"
	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/logging"
	"github.com/nerrad567/foundry-core/internal/infrastructure/metrics"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
	"github.com/nerrad567/foundry-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is anything /health can check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	RateLimit config.RateLimitConfig
	Logger    *logging.Logger
	Metrics   *metrics.Metrics

	Tokens       *auth.TokenService
	Keys         *auth.Keyring
	Users        auth.UserRepository
	Risk         *risk.Engine
	Restrictions *restriction.Store
	Robots       *telemetry.Store

	Audit     *audit.Sink
	AuditRepo audit.Repository

	// Hub is shared with the telemetry ingestor, which feeds it state changes.
	// If nil the server creates its own.
	Hub *Hub

	// Health lists the dependencies /health reports on, by name.
	Health map[string]HealthChecker

	Version string

	// Now is the request clock. Defaults to time.Now.
	Now func() time.Time
}

// Server is the HTTP API server for Foundry Core.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tokens    *auth.TokenService
	keys      *auth.Keyring
	users     auth.UserRepository
	risk      *risk.Engine
	restrict  *restriction.Store
	robots    *telemetry.Store
	audit     *audit.Sink
	auditRepo audit.Repository
	health    map[string]HealthChecker
	version   string
	now       func() time.Time

	hub       *Hub
	tickets   *ticketStore
	apiLimit  *rateLimiter
	authLimit *rateLimiter
	startTime time.Time

	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("token service is required")
	case deps.Users == nil:
		return nil, fmt.Errorf("user repository is required")
	case deps.Risk == nil || deps.Restrictions == nil:
		return nil, fmt.Errorf("risk engine and restriction store are required")
	case deps.Robots == nil:
		return nil, fmt.Errorf("robot state store is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(deps.Version)
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tokens:    deps.Tokens,
		keys:      deps.Keys,
		users:     deps.Users,
		risk:      deps.Risk,
		restrict:  deps.Restrictions,
		robots:    deps.Robots,
		audit:     deps.Audit,
		auditRepo: deps.AuditRepo,
		health:    deps.Health,
		version:   deps.Version,
		now:       deps.Now,
		hub:       deps.Hub,
		tickets:   newTicketStore(deps.Now),
		startTime: deps.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	s.hub.SetOnCount(s.metrics.WSClients)
	if deps.RateLimit.Enabled {
		s.apiLimit = newRateLimiter(deps.RateLimit.RequestsPerMinute, deps.RateLimit.Burst)
		s.authLimit = newRateLimiter(deps.RateLimit.LoginPerMinute, deps.RateLimit.LoginPerMinute)
	}
	return s, nil
}

// Hub returns the WebSocket hub so it can be registered as a telemetry observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully assembled router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections. It runs the WebSocket hub
// and ticket cleanup until Close is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
