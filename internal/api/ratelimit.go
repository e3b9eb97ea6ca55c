package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleSweep is how often idle per-key limiters are dropped.
const limiterIdleSweep = 5 * time.Minute

// rateLimiter holds one token bucket per client key.
type rateLimiter struct {
	limiters  sync.Map // map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	perMinute int

	mu          sync.Mutex
	lastCleanup time.Time
}

func newRateLimiter(perMinute, burst int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &rateLimiter{
		rate:        rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:       burst,
		perMinute:   perMinute,
		lastCleanup: time.Now(),
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Load(key); ok {
		return l.(*rate.Limiter) //nolint:forcetypeassert // only *rate.Limiter is stored
	}
	actual, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	rl.maybeCleanup()
	return actual.(*rate.Limiter) //nolint:forcetypeassert // only *rate.Limiter is stored
}

// allow reports whether key may proceed, and if not how long until it may.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	l := rl.limiter(key)
	if l.Allow() {
		return true, 0
	}
	res := l.Reserve()
	delay := res.Delay()
	res.Cancel()
	return false, delay
}

// maybeCleanup drops limiters whose bucket has refilled, which means the
// client has gone quiet.
func (rl *rateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < limiterIdleSweep {
		return
	}
	rl.lastCleanup = time.Now()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.burst) { //nolint:forcetypeassert // only *rate.Limiter is stored
			rl.limiters.Delete(key)
		}
		return true
	})
}

// rateLimitMiddleware limits each client IP. Credential endpoints use the
// stricter login budget; health and metrics are exempt.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl := s.limiterFor(r.URL.Path)
		if rl == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := s.clientIP(r)
		ok, delay := rl.allow(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(int(delay.Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		s.metrics.RateLimited()
		s.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "retry_after", retryAfter)

		infoFrom(r.Context()).reason = ErrCodeRateLimited
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
	})
}

func (s *Server) limiterFor(path string) *rateLimiter {
	switch {
	case path == "/metrics" || path == "/api/v1/health":
		return nil
	case path == "/api/v1/auth/login" || path == "/api/v1/auth/refresh":
		return s.authLimit
	case strings.HasPrefix(path, "/api/"):
		return s.apiLimit
	default:
		return nil
	}
}
