package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	maxBusyRetries = 3
	busyBaseDelay  = 100 * time.Millisecond
)

// withRetry runs fn, retrying SQLite busy errors with exponential backoff: 100ms, 200ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		if i == maxBusyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxBusyRetries, err)
}
