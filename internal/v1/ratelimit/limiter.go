// Package ratelimit implements rate limiting for WebSocket handshakes using
// Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/harmonia-game/multiplayer-server/internal/v1/config"
	"github.com/harmonia-game/multiplayer-server/internal/v1/logging"
	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances for the WebSocket endpoint.
type RateLimiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
	store  limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance. When a Redis client is
// supplied the limits are shared across replicas; otherwise they are local.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:   limiter.New(store, wsIPRate),
		wsUser: limiter.New(store, wsUserRate),
		store:  store,
	}, nil
}

// WebSocketMiddleware limits WebSocket handshakes per client IP. Request
// counts are keyed by IP so one abusive client can't starve the endpoint.
func (rl *RateLimiter) WebSocketMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ws:ip:" + c.ClientIP()

		limiterCtx, err := rl.wsIP.Get(c.Request.Context(), key)
		if err != nil {
			logging.Error(c.Request.Context(), "Rate limiter store failure", zap.Error(err))
			// Fail open: a broken limiter store must not take down the endpoint.
			c.Next()
			return
		}

		if limiterCtx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("websocket", "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// AllowUser checks the per-user handshake budget. Used after authentication
// so reconnect storms from one account are contained.
func (rl *RateLimiter) AllowUser(ctx context.Context, userID string) bool {
	limiterCtx, err := rl.wsUser.Get(ctx, "ws:user:"+userID)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failure", zap.Error(err))
		return true
	}
	if limiterCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket", "user").Inc()
		return false
	}
	return true
}
