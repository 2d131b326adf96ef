package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts including the first; < 1 means 1
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap for any single delay
	BackoffMultiplier float64
	Jitter            bool // +/- 50% random jitter

	// ShouldRetry overrides IsRetryable when set.
	ShouldRetry func(err error) bool
	OnRetry     func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns three attempts with 1s, 2s backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay before retry n (0-indexed).
func (p RetryPolicy) Delay(retry int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(retry))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return IsRetryable(err)
}

// retryAfter returns the wait requested by a rate-limited provider.
func retryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned on exhaustion. A
// rate-limit Retry-After hint replaces the computed backoff; a hint longer
// than MaxDelay ends the retries with that error.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			if hint := retryAfter(lastErr); hint > 0 {
				if policy.MaxDelay > 0 && hint > policy.MaxDelay {
					return zero, lastErr
				}
				delay = hint
			}
			if policy.OnRetry != nil {
				policy.OnRetry(lastErr, attempt, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !policy.retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
