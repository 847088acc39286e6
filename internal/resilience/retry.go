package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"datagate/internal/errors"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryConfig returns the policy used for persistence calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Delay calculates the backoff for a given attempt (1-indexed):
// min(base * 2^(n-1), cap), with ±25% jitter when enabled.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d += d * 0.25 * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs op up to MaxAttempts times, sleeping the backoff between
// attempts. Only transient (unavailable) failures are retried; validation
// and invariant errors come back immediately. Context cancellation aborts
// the wait and returns the context's error wrapped as kind=unavailable
// (reason retry_cancelled); the last op error is not included.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(cfg.Delay(attempt)):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindUnavailable, "retry_cancelled")
		}
	}
	return lastErr
}

func retryable(err error) bool {
	if app := errors.AsApp(err); app != nil {
		// An open breaker fails fast; sleeping on it would only hold the
		// worker hostage for the whole open window.
		if app.Reason == "circuit_open" {
			return false
		}
		return app.IsRetryable()
	}
	// Unclassified errors are assumed transient; the classifier and guards
	// always tag their failures.
	return true
}
