package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/pkg/response"
)

// RateLimiter counts requests per principal in fixed Redis windows
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows maxRequests per window for each authenticated principal. Requests without a
// principal, and every request while Redis is unreachable, pass through.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := "ratelimit:" + keyPrefix + ":" + userID
		ctx := c.UserContext()

		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			ttl = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			zap.S().Warnf("rate limiter unavailable for %s: %v", key, err)
			return c.Next()
		}

		count := incr.Val()
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(max(int64(maxRequests)-count, 0), 10))

		if count > int64(maxRequests) {
			c.Set("Retry-After", strconv.Itoa(int(ttl.Val().Seconds())))
			return response.RateLimited(c)
		}
		return c.Next()
	}
}

// InspectionLimit limits how many inspection batches a principal may start per hour.
func (rl *RateLimiter) InspectionLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("inspections", maxPerHour, time.Hour)
}
