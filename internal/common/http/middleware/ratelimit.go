package middleware

import (
	"context"
	"fmt"
	"time"

	"flowrunner/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Limiter records a hit on key and fails once max is exceeded within window.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// RateLimitMiddleware enforces per-client and per-route limits on one route.
func RateLimitMiddleware(limiter Limiter, prefix, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if policy.IPMax > 0 {
			key := fmt.Sprintf("%srate:ip:%s:%s", prefix, c.ClientIP(), routeKey)
			if err := limiter.Allow(ctx, key, policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		if policy.RouteMax > 0 {
			key := fmt.Sprintf("%srate:route:%s", prefix, routeKey)
			if err := limiter.Allow(ctx, key, policy.RouteMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		c.Next()
	}
}
