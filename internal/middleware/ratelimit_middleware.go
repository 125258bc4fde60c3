package middleware

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-fleet/internal/redis"
)

type SecretLimiter interface {
	AllowSecretAttempt(ctx context.Context, ip string) (*redis.RateLimitResult, error)
	ResetSecretAttempts(ctx context.Context, ip string) error
}

func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
