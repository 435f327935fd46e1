// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Lunaphied/plural-kitty/internal/config"
	"github.com/Lunaphied/plural-kitty/internal/logging"
	"github.com/Lunaphied/plural-kitty/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ResolvedUserIDKey is the gin.Context key the identity resolver sets once a
// request's Matrix user ID is known. When present, rate limiting keys off
// the user ID instead of the client IP.
const ResolvedUserIDKey = "resolved_user_id"

const defaultMessageSendRate = "600-M"

// RateLimiter holds the rate limiter instance guarding message-send traffic.
type RateLimiter struct {
	messageSend *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance. cfg may be nil, in
// which case the default rate and an in-memory store are used.
func NewRateLimiter(cfg *config.RateLimitInfo, redisClient *redis.Client) (*RateLimiter, error) {
	rateStr := defaultMessageSendRate
	if cfg != nil && cfg.MessageSend != "" {
		rateStr = cfg.MessageSend
	}

	rate, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid message-send rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "plural-kitty:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (no redis_addr configured)")
	}

	return &RateLimiter{
		messageSend: limiter.New(store, rate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// Ping reports whether the backing Redis store (if any) is reachable. Used
// by the readiness probe; returns nil when no Redis store is configured.
func (rl *RateLimiter) Ping(ctx context.Context) error {
	if rl.redisClient == nil {
		return nil
	}
	return rl.redisClient.Ping(ctx).Err()
}

// MessageSendMiddleware returns a Gin middleware enforcing the message-send
// rate limit, keyed by resolved Matrix user ID when known, otherwise by
// client IP.
func (rl *RateLimiter) MessageSendMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var key, limitType string
		if uid, exists := c.Get(ResolvedUserIDKey); exists {
			if s, ok := uid.(string); ok && s != "" {
				key = s
				limitType = "user"
			}
		}
		if key == "" {
			key = c.ClientIP()
			limitType = "ip"
		}

		ctx := c.Request.Context()
		lctx, err := rl.messageSend.Get(ctx, key)
		if err != nil {
			// Fail open: availability matters more than strict enforcement
			// during a store outage.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
