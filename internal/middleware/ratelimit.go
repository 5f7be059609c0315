package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimitWindow is the fixed window for the shared counter
const rateLimitWindow = time.Minute

// CounterStore is a shared fixed-window request counter, typically Redis,
// so the limit holds across independent API processes.
type CounterStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// RateLimiter manages rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int

	store       CounterStore
	windowLimit int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps int, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		rate:        rate.Limit(rps),
		burst:       burst,
		windowLimit: int64(rps) * int64(rateLimitWindow/time.Second),
	}
}

// Share backs the limiter with a shared counter so every process enforces
// one combined limit per key. The in-process limiter remains the fallback
// when the counter is unreachable.
func (rl *RateLimiter) Share(store CounterStore) *RateLimiter {
	rl.store = store
	return rl
}

// getLimiter returns a rate limiter for a specific key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	limiter, exists = rl.limiters[key]
	if exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

// allow consults the shared counter first, falling back to the in-process
// limiter when no counter is attached or it errors
func (rl *RateLimiter) allow(ctx context.Context, key string) bool {
	if rl.store != nil {
		ok, err := rl.store.CheckRateLimit(ctx, key, rl.windowLimit, rateLimitWindow)
		if err == nil {
			return ok
		}
	}

	return rl.getLimiter(key).Allow()
}

// RateLimit middleware limits requests per site install or client IP
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := GetCredentials(c)

		var key string
		if creds.SiteHash != "" {
			key = fmt.Sprintf("site:%s", creds.SiteHash)
		} else {
			key = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		if !rl.allow(c.Request.Context(), key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
