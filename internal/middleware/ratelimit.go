package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits API calls per tenant. With Redis the bucket is shared by
// every instance; the in-memory buckets are the fallback when Redis fails.
type RateLimiter struct {
	limiters map[uuid.UUID]*tenantLimiter
	mu       sync.Mutex
	rps      int
	rate     rate.Limit
	burst    int
	redis    *cache.RedisClient
	logger   *zap.Logger
}

func NewRateLimiter(rps int, redis *cache.RedisClient, logger *zap.Logger) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*tenantLimiter),
		rps:      rps,
		rate:     rate.Limit(rps),
		burst:    rps * 2,
		redis:    redis,
		logger:   logger,
	}
}

func (rl *RateLimiter) getLimiter(tenantID uuid.UUID) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, exists := rl.limiters[tenantID]
	if !exists {
		l = &tenantLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[tenantID] = l
	}
	l.lastSeen = time.Now()

	return l.limiter
}

// Allow reports whether the tenant may make another call
func (rl *RateLimiter) Allow(ctx context.Context, tenantID uuid.UUID) bool {
	if rl.redis != nil {
		ok, err := rl.redis.AllowAction(ctx, "api:"+tenantID.String(), rl.rps, rl.burst)
		if err == nil {
			return ok
		}
		rl.logger.Warn("redis rate limiter failed, using local limiter", zap.Error(err))
	}
	return rl.getLimiter(tenantID).Allow()
}

// Cleanup drops limiters of tenants idle for longer than maxIdle until ctx is
// done.
func (rl *RateLimiter) Cleanup(ctx context.Context, maxIdle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evict(time.Now().Add(-maxIdle))
			}
		}
	}()
}

func (rl *RateLimiter) evict(before time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, l := range rl.limiters {
		if l.lastSeen.Before(before) {
			delete(rl.limiters, id)
		}
	}
}

// RateLimitMiddleware limits requests per tenant. It must run after
// AuthMiddleware.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := TenantID(c)
		if !ok {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), tenantID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
