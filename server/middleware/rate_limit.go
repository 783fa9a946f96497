// Package middleware carries the echo middlewares that do not belong to
// a specific route group.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// limiterIdleAfter is how long a client may sit idle before its bucket
// is dropped. Idle buckets are swept whenever a new client shows up.
const limiterIdleAfter = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP. It protects the chatbot and
// snapshot endpoints, whose handlers may fan out to the upstream
// providers.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*clientLimiter

	every time.Duration
	burst int
	now   func() time.Time
}

// NewRateLimiter creates a limiter allowing one request per every, with
// the given burst, per client.
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*clientLimiter),
		every:  every,
		burst:  burst,
		now:    time.Now,
	}
}

// WithClock substitutes the wall clock. Used by tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if client, ok := rl.limits[key]; ok {
		client.lastSeen = now
		return client.limiter
	}
	for seen, client := range rl.limits {
		if now.Sub(client.lastSeen) > limiterIdleAfter {
			delete(rl.limits, seen)
		}
	}
	client := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Every(rl.every), rl.burst),
		lastSeen: now,
	}
	rl.limits[key] = client
	return client.limiter
}

// Allow checks whether a request from the key is allowed right now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !rl.Allow(c.RealIP()) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		}
		return next(c)
	}
}
