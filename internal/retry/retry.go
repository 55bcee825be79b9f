// Package retry provides exponential backoff for transient failures.
//
// The signal channel uses it to re-establish its WebSocket subscription:
//
//	err := retry.Do(ctx, retry.Config{
//	    MaxRetries:     10,
//	    InitialBackoff: 250 * time.Millisecond,
//	    MaxBackoff:     10 * time.Second,
//	    Jitter:         0.2,
//	}, dial, nil)
//
// The backoff before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus jitter that grows linearly with the attempt number. Context
// cancellation interrupts a pending backoff immediately.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior. MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of calls to fn.
	MaxRetries int

	// InitialBackoff is the delay before the second call.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter in the range 0.0 to 1.0.
	Jitter float64
}

// ShouldRetryFunc decides whether an error is worth another attempt.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects the error, the attempts
// run out, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(cfg, attempt)):
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

// Backoff computes the delay before the given attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
