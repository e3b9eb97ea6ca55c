package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/foundry-core/internal/auth"
)

// middleware is one stage of the request pipeline.
type middleware = func(http.Handler) http.Handler

// pipeline is the ordered stage list every request passes through. The
// audit stage sits outside rate limiting so 429s are recorded too.
func (s *Server) pipeline() []middleware {
	return []middleware{
		s.requestIDMiddleware,
		s.recoveryMiddleware,
		s.securityHeadersMiddleware,
		s.corsMiddleware,
		s.auditMiddleware,
		s.loggingMiddleware,
		s.metricsMiddleware,
		s.rateLimitMiddleware,
		s.bodySizeLimitMiddleware,
	}
}

// protected is appended to the pipeline for routes that need a caller.
func (s *Server) protected() []middleware {
	return []middleware{
		s.authMiddleware,
		s.restrictionMiddleware,
		s.riskMiddleware,
	}
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.pipeline()...)

	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		// The ticket is the credential here; it was issued to an
		// authenticated, assessed caller.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.protected()...)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/robots", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermRobotRead))
				r.Get("/", s.handleListRobots)
				r.Get("/{id}", s.handleGetRobot)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermSystemAdmin))
				r.Get("/audit", s.handleListAudit)
				r.Post("/keys/rotate", s.handleRotateKeys)
			})
		})
	})

	return r
}

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports the server and each registered dependency. Any
// failing dependency turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.health))

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(s.now().Sub(s.startTime).Seconds()),
		"robots":         s.robots.Len(),
		"checks":         checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
