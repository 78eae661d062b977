package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sandboxctl/control-plane/internal/apperrors"
)

// RateLimiter is a per-client-IP token bucket, the same shape as
// api/internal/middleware/ratelimit.go's RateLimiter: one golang.org/x/time/rate
// limiter per key behind an RWMutex, with a background goroutine that resets
// the map once it grows past a bound so long-running processes don't leak
// one entry per distinct IP ever seen.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing requestsPerSecond sustained, burst
// peak, per client IP, and starts its map-cleanup goroutine.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.cleanupRoutine()
	return rl
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// Middleware rejects with 429 QUEUE_SATURATED (spec §6.1's 429 "queue
// saturation" status) once a client IP exceeds its bucket.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apperrors.Response{
				ErrorCode:   "QUEUE_SATURATED",
				Description: "too many requests from this client",
				Solution:    "retry after a short backoff",
				RequestID:   GetRequestID(c),
			})
			return
		}
		c.Next()
	}
}
