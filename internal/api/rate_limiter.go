package api

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out a token bucket per client IP
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// getLimiter returns the bucket for a client, evicting idle ones as it goes
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		for k, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}

	cl, exists := rl.limiters[key]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// Allow reports whether the client may make a request now and, when not,
// how many seconds it should wait.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	limiter := rl.getLimiter(key)
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return false, 1
	}
	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}
	reservation.Cancel()
	return false, int(math.Ceil(delay.Seconds()))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	logger := logging.Component("rate_limiter")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// health checks are never throttled
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			if ok, retryAfter := rl.Allow(clientKey(r)); !ok {
				respondError(w, logger, apperrors.NewRateLimitError(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
