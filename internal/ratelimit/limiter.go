// Package ratelimit enforces per-evaluator request budgets. Redis backs a
// budget shared across replicas; an in-memory token bucket takes over when
// Redis is absent or failing.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"

	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
)

// Rate is a budget of Limit calls per Period
type Rate struct {
	Limit  int
	Period time.Duration
}

// PerMinute is the budget shape used by evaluator configs
func PerMinute(n int) Rate {
	return Rate{Limit: n, Period: time.Minute}
}

// Unlimited reports whether the budget disables limiting
func (r Rate) Unlimited() bool {
	return r.Limit <= 0 || r.Period <= 0
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter provides distributed rate limiting with Redis and in-memory fallback
type RateLimiter struct {
	redisLimiter *redis_rate.Limiter
	redisClient  *RedisClient
	metrics      *monitoring.Metrics

	fallbackLimiters map[string]*rate.Limiter
	fallbackMutex    sync.Mutex
}

// NewRateLimiter creates a new rate limiter. A nil or disabled client selects
// in-memory limiting only.
func NewRateLimiter(redisClient *RedisClient, metrics *monitoring.Metrics) *RateLimiter {
	rl := &RateLimiter{
		redisClient:      redisClient,
		metrics:          metrics,
		fallbackLimiters: make(map[string]*rate.Limiter),
	}

	if redisClient.IsEnabled() {
		rl.redisLimiter = redis_rate.NewLimiter(redisClient.GetClient())
		slog.Info("Redis rate limiter initialized")
	} else {
		slog.Info("Redis unavailable, using in-memory evaluator budgets")
	}

	return rl
}

func budgetKey(key string) string {
	return fmt.Sprintf("ratelimit:evaluator:%s", key)
}

// Allow takes one unit of budget if available
func (rl *RateLimiter) Allow(ctx context.Context, key string, r Rate) (*Result, error) {
	if r.Unlimited() {
		return &Result{Allowed: true, Limit: r.Limit, Remaining: -1}, nil
	}

	if rl.redisLimiter != nil {
		result, err := rl.allowRedis(ctx, budgetKey(key), r)
		if err == nil {
			return result, nil
		}
		slog.Warn("Redis rate limit check failed, using fallback", "key", key, "error", err)
		if rl.metrics != nil {
			rl.metrics.IncrementRateLimitRedisError()
		}
	} else if rl.metrics != nil {
		rl.metrics.IncrementRateLimitFallback()
	}

	return rl.allowFallback(budgetKey(key), r), nil
}

// Wait blocks until one unit of budget is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, key string, r Rate) error {
	waited := false
	for {
		res, err := rl.Allow(ctx, key, r)
		if err != nil {
			return err
		}
		if res.Allowed {
			if waited && rl.metrics != nil {
				rl.metrics.IncrementRateLimitWait()
			}
			return nil
		}

		waited = true
		delay := res.RetryAfter
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, r Rate) (*Result, error) {
	limit := redis_rate.Limit{
		Rate:   r.Limit,
		Burst:  r.Limit,
		Period: r.Period,
	}

	res, err := rl.redisLimiter.Allow(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	return &Result{
		Allowed:    res.Allowed > 0,
		Limit:      res.Limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

func (rl *RateLimiter) allowFallback(key string, r Rate) *Result {
	rl.fallbackMutex.Lock()
	limiter, exists := rl.fallbackLimiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(float64(r.Limit)/r.Period.Seconds()), r.Limit)
		rl.fallbackLimiters[key] = limiter
	}
	rl.fallbackMutex.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &Result{Allowed: false, Limit: r.Limit, RetryAfter: r.Period}
	}

	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return &Result{Allowed: false, Limit: r.Limit, RetryAfter: delay}
	}

	remaining := int(limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: r.Limit, Remaining: remaining}
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.fallbackMutex.Lock()
	fallbackCount := len(rl.fallbackLimiters)
	rl.fallbackMutex.Unlock()

	stats := map[string]interface{}{
		"redis_enabled":     rl.redisClient.IsEnabled(),
		"fallback_limiters": fallbackCount,
	}

	if rl.redisClient.IsEnabled() {
		stats["redis_pool"] = rl.redisClient.GetPoolStats()
	}

	return stats
}
