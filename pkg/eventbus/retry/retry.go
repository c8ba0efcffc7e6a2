// Package retry implements bounded retry with exponential backoff and jitter.
// It backs the dispatcher's delivery attempts; persistence is never retried
// here - append is all-or-nothing and retrying is the caller's decision.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the backoff after each failed attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0) applied to each sleep.
	Jitter float64

	// RetryableFunc optionally stops retrying early for certain errors.
	// When nil every error is retried until MaxAttempts is reached.
	RetryableFunc func(error) bool
}

// Default is the standard delivery retry configuration.
var Default = Config{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// None disables retries.
var None = Config{
	MaxAttempts: 1,
}

// Result describes a finished retry loop.
type Result struct {
	// Err is the last error when all attempts failed, nil on success.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent including backoff sleeps.
	Duration time.Duration
}

// Do executes fn with retries, respecting context cancellation between
// attempts and during backoff sleeps. The context passed to fn is the
// caller's; per-attempt timeouts are fn's responsibility.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) Result {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = Default.BackoffFactor
	}

	start := time.Now()
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Err: err, Attempts: attempt, Duration: time.Since(start)}
		}

		err := fn(ctx)
		if err == nil {
			return Result{Attempts: attempt + 1, Duration: time.Since(start)}
		}
		lastErr = err

		if cfg.RetryableFunc != nil && !cfg.RetryableFunc(err) {
			return Result{Err: err, Attempts: attempt + 1, Duration: time.Since(start)}
		}

		// No sleep after the final attempt.
		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return Result{Err: ctx.Err(), Attempts: attempt + 1, Duration: time.Since(start)}
			case <-time.After(withJitter(backoff, cfg.Jitter)):
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return Result{Err: lastErr, Attempts: cfg.MaxAttempts, Duration: time.Since(start)}
}

// withJitter returns base +/- (base * jitter * random).
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	amount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + amount)
}
