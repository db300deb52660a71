package common

import (
	"context"
	"fmt"
	"time"
)

// Retry runs op up to maxAttempts times, retrying transient failures
// with exponential backoff starting at base and doubling per retry.
// Non-transient errors return immediately. When attempts is non-nil it
// is incremented once per invocation of op, the successful one included.
func Retry(ctx context.Context, maxAttempts int, base time.Duration, attempts *int, op func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base
	var err error
	for try := 0; try < maxAttempts; try++ {
		if try > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Transientf("cancelled while backing off: %v", ctx.Err())
			}
			delay *= 2
		}
		if attempts != nil {
			*attempts++
		}
		if err = op(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", maxAttempts, err)
}
