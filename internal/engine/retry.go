package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultTimeout bounds a single resource operation.
const DefaultTimeout = 30 * time.Minute

// DefaultParallelism bounds concurrent provider calls during apply.
const DefaultParallelism = 10

// DefaultRetryMax is the maximum number of retries after the first attempt.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient remote API errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// RetryWithBackoff executes fn, retrying with exponential backoff and jitter
// while shouldRetry approves the error. It returns the number of attempts
// made alongside the final error.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) (int, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attempts++
		lastErr = fn()
		if lastErr == nil {
			return attempts, nil
		}

		if !shouldRetry(lastErr) {
			return attempts, lastErr
		}

		if attempt < policy.MaxRetries {
			delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay)
			select {
			case <-ctx.Done():
				return attempts, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return attempts, fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// backoffDelay returns exponential backoff capped at max, with full jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	return time.Duration(rand.Float64() * backoff)
}
