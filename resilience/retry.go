package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// RetryConfig configures retry behavior for the SQL agent loop.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		JitterEnabled: true,
	}
}

// Backoff returns the delay before the given attempt (1-based).
// Exponential with full jitter: the delay is drawn uniformly from
// [0, min(MaxDelay, BaseDelay*2^(attempt-1))], which spreads retries from
// concurrent SQL agents instead of synchronizing them.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := c.BaseDelay << uint(attempt-1)
	if ceiling <= 0 || ceiling > c.MaxDelay {
		ceiling = c.MaxDelay
	}
	if !c.JitterEnabled {
		return ceiling
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Retry executes fn with bounded attempts. Non-retryable errors
// (including breaker-open) fail fast; context cancellation interrupts
// both the call and the backoff sleep.
func Retry(ctx context.Context, config *RetryConfig, fn func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
