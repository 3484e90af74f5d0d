// Package retry provides exponential backoff with optional jitter and
// context cancellation, used for transient failures such as an unreachable
// peer directory.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines the retry behavior.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be positive.
	MaxRetries int
	// InitialBackoff is the base backoff; attempt n waits
	// InitialBackoff * 2^(n-1).
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff. Zero means no cap.
	MaxBackoff time.Duration
	// Jitter adds randomness proportional to the attempt number
	// (0.0 to 1.0). Zero means none.
	Jitter float64
}

// ShouldRetryFunc decides whether an error is worth retrying. A nil func
// retries everything.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff. It returns nil as soon as fn
// succeeds, the error unchanged when shouldRetry rejects it, the context
// error if ctx is cancelled during a backoff, and otherwise the last error
// wrapped after all attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(cfg, attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		backoff += time.Duration(rand.Float64() * float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}
	return backoff
}
