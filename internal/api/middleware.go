package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Identity headers set by the upstream authentication layer
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	roleAdmin  = "admin"
	userIDKey  = "user_id"
	rateWindow = time.Minute
)

// requireUser rejects requests that carry no caller identity
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   apperr.CodeMissingCredentials,
				"message": "missing " + HeaderUserID + " header",
			})
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderUserRole) != roleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   apperr.CodeForbidden,
				"message": "admin role required",
			})
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// Counter is a shared counter that expires ttl after its first increment
type Counter interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimiter allows each user a fixed number of requests per route per minute.
// Counts live in a shared store so every instance enforces the same budget.
type RateLimiter struct {
	counter Counter
	limit   int64
	now     func() time.Time
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter; a limit of zero or less disables it
func NewRateLimiter(counter Counter, perMinute int) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   int64(perMinute),
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// Middleware enforces the limit. Counter failures let the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || rl.limit <= 0 {
			c.Next()
			return
		}

		window := rl.now().Truncate(rateWindow).Unix()
		key := fmt.Sprintf("ratelimit:%s:%s:%d", userID(c), c.FullPath(), window)

		count, err := rl.counter.IncrWithTTL(c.Request.Context(), key, rateWindow)
		if err != nil {
			rl.logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		if count > rl.limit {
			util.RateLimitedTotal.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", fmt.Sprintf("%d", int(rateWindow.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   apperr.CodeRateLimited,
				"message": "too many requests, try again later",
			})
			return
		}
		c.Next()
	}
}
