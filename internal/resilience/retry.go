package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxRetries      int              `json:"max_retries"` // retries after the first attempt
	BaseDelay       time.Duration    `json:"base_delay"`
	MaxDelay        time.Duration    `json:"max_delay"`
	BackoffFactor   float64          `json:"backoff_factor"`
	Jitter          float64          `json:"jitter"` // fraction, applied as +/-
	AttemptTimeout  time.Duration    `json:"attempt_timeout"`
	RetryableErrors func(error) bool `json:"-"`
}

// DefaultRetryConfig returns the dispatch defaults: 3 retries, 2s base,
// 30s cap, 20% jitter, 60s per attempt
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		Jitter:          0.2,
		AttemptTimeout:  60 * time.Second,
		RetryableErrors: errors.IsRetryableError,
	}
}

// RetryConfigFrom maps the dispatch config section onto a RetryConfig
func RetryConfigFrom(d config.DispatchConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = d.MaxRetries
	cfg.BaseDelay = d.BaseDelay
	cfg.MaxDelay = d.MaxDelay
	cfg.Jitter = d.Jitter
	cfg.AttemptTimeout = d.AttemptTimeout
	return cfg
}

// AttemptHook observes every finished attempt, on the caller's goroutine
type AttemptHook func(attempt int, err error, duration time.Duration)

// RetryHook observes every scheduled retry
type RetryHook func(attempt int, err error, delay time.Duration)

// Retrier runs a call with bounded attempts, exponential backoff and a fresh
// timeout per attempt
type Retrier struct {
	config RetryConfig

	// Continue is consulted before each retry; returning false stops early
	Continue func() bool

	// Before runs ahead of every attempt under the caller's context, outside
	// the attempt timeout and without reaching OnAttempt
	Before    func(ctx context.Context) error
	OnAttempt AttemptHook
	OnRetry   RetryHook

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRand() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewRetrier creates a retrier for one logical call
func NewRetrier(config RetryConfig) *Retrier {
	if config.RetryableErrors == nil {
		config.RetryableErrors = errors.IsRetryableError
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = 2.0
	}
	return &Retrier{
		config: config,
		sleep:  sleepContext,
		rand:   defaultRand,
	}
}

// Attempts returns the total number of attempts allowed
func (r *Retrier) Attempts() int {
	return r.config.MaxRetries + 1
}

type attemptResult[T any] struct {
	value T
	err   error
}

// Execute runs fn until it succeeds, fails with a non-retryable error,
// exhausts the retry budget or ctx is done. It returns the value, the number
// of attempts made and the last error. When ctx is done the returned error
// is ctx.Err().
func Execute[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.Attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		if r.Before != nil {
			if err := r.Before(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return zero, attempt - 1, ctxErr
				}
				return zero, attempt - 1, err
			}
		}

		start := time.Now()
		value, err := runAttempt(ctx, r.config.AttemptTimeout, fn)
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, err, time.Since(start))
		}
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempt, ctxErr
		}
		if !r.config.RetryableErrors(err) {
			return zero, attempt, err
		}
		if attempt == r.Attempts() {
			break
		}
		if r.Continue != nil && !r.Continue() {
			break
		}

		delay := r.calculateDelay(attempt - 1)
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}

	return zero, r.Attempts(), lastErr
}

// runAttempt bounds one call by timeout even if fn ignores its context. A
// call that overruns is abandoned; its result is discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		value, err := fn(attemptCtx)
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
			return zero, errors.NewTimeoutError("evaluator attempt", res.err)
		}
		return res.value, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, errors.NewTimeoutError("evaluator attempt", attemptCtx.Err())
	}
}

// calculateDelay returns base*factor^retry, capped at MaxDelay, with
// +/- Jitter applied to the capped value
func (r *Retrier) calculateDelay(retry int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffFactor, float64(retry))
	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter > 0 {
		delay *= 1 + r.config.Jitter*(2*r.rand()-1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
