package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Multiplier applied to the delay after each attempt.
	Multiplier float64
	// Jitter in [0,1] randomizes each delay by +/- Jitter*delay.
	Jitter float64
	// ShouldRetry decides whether an error is worth another attempt.
	ShouldRetry func(err error) bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.1
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(err error) bool { return err != nil }
	}
	if c.OnRetry == nil {
		c.OnRetry = func(int, time.Duration, error) {}
	}
}

// delay computes the backoff for a 0-indexed attempt.
func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. It returns the last error when the budget is exhausted
// or ctx ends first.
func Retry(ctx context.Context, config RetryConfig, fn func(context.Context) error) error {
	config.applyDefaults()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := config.delay(attempt - 1)
			config.OnRetry(attempt, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !config.ShouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
