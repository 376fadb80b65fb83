package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimit applies the limiter rule for action, keyed by the verified user
// or, before authentication, by client IP. Store failures let the request through.
func RateLimit(limiter *ratelimit.Limiter, action string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if id, ok := GetUserID(c); ok {
			identifier = "user:" + id.String()
		}

		err := limiter.Allow(c.Request.Context(), identifier, action)
		var limited *apperr.RateLimitedError
		switch {
		case err == nil:
			c.Next()
		case errors.As(err, &limited):
			retry := limited.RetryAfterSeconds()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       limited.Error(),
				"retry_after": retry,
			})
		default:
			log.Warnw("rate limiter unavailable", "action", action, "error", err)
			c.Next()
		}
	}
}
