// ratelimit.go provides Gin middleware that sheds per-client request floods
// before any authentication work happens. This is deliberately distinct from
// the per-credential quota enforcement in internal/quota: quotas are a billing
// construct owned by each credential's configuration, while this limiter is an
// infrastructure guard keyed by client IP that protects the scrypt
// verification path from brute-force traffic.
//
// Limiting uses GCRA via redis_rate so all gateway instances share one view
// of each client. When Redis is unreachable the limiter fails open: shedding
// legitimate traffic during a Redis outage would be worse than briefly losing
// brute-force protection, and the quota ledger (which fails closed) still
// bounds what an authenticated client can consume.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds configuration for the pre-auth client limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per client.
	RequestsPerMinute int
	// Burst is the momentary excess allowed above the sustained rate.
	Burst int
}

// DefaultRateLimitConfig returns limits for the consumer verification path.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 300,
		Burst:             60,
	}
}

// AdminRateLimitConfig returns stricter limits for the admin surface.
func AdminRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		Burst:             10,
	}
}

// RateLimiter wraps a shared redis_rate limiter with a fixed config.
type RateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	cfg     RateLimitConfig
}

// NewRateLimiter creates a limiter over the shared Redis client.
func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RateLimiter {
	limit := redis_rate.PerMinute(cfg.RequestsPerMinute)
	limit.Burst = cfg.Burst
	return &RateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   limit,
		cfg:     cfg,
	}
}

// RateLimitMiddleware returns a Gin handler enforcing the client limit.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := rl.limiter.Allow(c.Request.Context(), clientKey(c), rl.limit)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// clientKey identifies the caller for rate-limiting purposes. Runs before
// auth, so the client IP is all there is; X-Forwarded-For handling is Gin's
// (configure trusted proxies in the router).
func clientKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "kw:ratelimit:" + ip
}
