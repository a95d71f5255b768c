package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by client IP and stored in Redis
type RateLimiter struct {
	redis *redis.Client
	log   zerolog.Logger
}

func NewRateLimiter(redisClient *redis.Client, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		redis: redisClient,
		log:   log.With().Str("component", "ratelimit").Logger(),
	}
}

// Limit creates a rate limiting middleware. A non-positive maxRequests
// disables the limit.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl == nil || rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())
		ctx := context.Background()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open
			rl.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// UploadLimit returns a rate limiter for upload endpoints (50 req/hour)
func (rl *RateLimiter) UploadLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("upload", maxPerHour, time.Hour)
}

// GenerateLimit returns a rate limiter for generation submissions (20 req/hour)
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}
