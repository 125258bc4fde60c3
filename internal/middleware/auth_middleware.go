package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relay-fleet/internal/auth"
	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/transport/httpdto"
	"relay-fleet/pkg/logger"
)

const (
	adminKey  = "admin_claims"
	serverKey = "calling_server"

	SharedSecretHeader = "X-Shared-Secret"
)

type TokenParser interface {
	Parse(token string) (auth.AdminClaims, error)
}

type ServerAuthenticator interface {
	AuthenticateServer(ctx context.Context, secret string) (server.Server, error)
}

// AdminAuth requires a bearer token carrying the admin role.
func AdminAuth(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := tokens.Parse(extractBearer(c))
		if err != nil {
			status, body := httpdto.NewErrorFrom(err)
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Set(adminKey, claims)
		c.Next()
	}
}

func AdminFromContext(c *gin.Context) (auth.AdminClaims, bool) {
	v, ok := c.Get(adminKey)
	if !ok {
		return auth.AdminClaims{}, false
	}
	claims, ok := v.(auth.AdminClaims)
	return claims, ok
}

// ServerAuth resolves the calling media server from its shared secret.
// Failed lookups count against the caller's IP when a limiter is set.
func ServerAuth(servers ServerAuthenticator, limiter SecretLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if limiter != nil {
			result, err := limiter.AllowSecretAttempt(c.Request.Context(), ip)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, httpdto.NewErrorResponse("rate limit error", "INTERNAL_ERROR"))
				return
			}
			setRateLimitHeaders(c, result)
			if !result.Allowed {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("too many shared secret attempts", "RATE_LIMITED"))
				return
			}
		}

		secret := strings.TrimSpace(c.GetHeader(SharedSecretHeader))
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("missing shared secret", "UNAUTHORIZED"))
			return
		}
		srv, err := servers.AuthenticateServer(c.Request.Context(), secret)
		if err != nil {
			status, body := httpdto.NewErrorFrom(err)
			c.AbortWithStatusJSON(status, body)
			return
		}
		if limiter != nil {
			_ = limiter.ResetSecretAttempts(c.Request.Context(), ip)
		}

		c.Set(serverKey, srv)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.ServerIdKey, srv.ID))
		c.Next()
	}
}

func ServerFromContext(c *gin.Context) (server.Server, bool) {
	v, ok := c.Get(serverKey)
	if !ok {
		return server.Server{}, false
	}
	srv, ok := v.(server.Server)
	return srv, ok
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
