// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Config holds the configuration for retry logic.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns the retry configuration used for outbound API calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffMultiple: 2.0,
	}
}

// Delay computes the wait before retry number attempt (0-based).
func (c Config) Delay(attempt int) time.Duration {
	mult := c.BackoffMultiple
	if mult <= 0 {
		mult = 2
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(mult, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Retryable decides whether err warrants another attempt.
type Retryable func(err error) bool

// Options configures a Do call.
type Options struct {
	Config    Config
	Retryable Retryable
	Logger    *slog.Logger
	Name      string
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget runs out or ctx is done. The last error is returned on exhaustion.
func Do[T any](ctx context.Context, opts Options, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.Config.Delay(attempt - 1)
			if opts.Logger != nil {
				opts.Logger.Debug("retrying",
					"op", opts.Name, "attempt", attempt+1, "max", opts.Config.MaxRetries+1, "delay", delay, "err", lastErr)
			}
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
	}

	if opts.Logger != nil {
		opts.Logger.Warn("retries exhausted", "op", opts.Name, "attempts", opts.Config.MaxRetries+1, "err", lastErr)
	}
	return zero, lastErr
}
