package watcher

import (
	"context"
	"time"
)

// withRetry runs fn up to attempts times, sleeping base, 2*base, 3*base
// between tries. Transient provider errors are retried here at the point
// of the call; whatever survives is the caller's per-item failure.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(time.Duration(i+1) * base):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
