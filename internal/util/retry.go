package util

import (
	"context"
	"time"
)

const maxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and capped at 30s. fn receives the 1-based attempt number. It
// returns nil on the first successful call, or the last error if all attempts
// fail. The function respects context cancellation between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	var err error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxRetryDelay)
		}
	}

	return err
}
