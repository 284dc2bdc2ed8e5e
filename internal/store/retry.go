package store

import (
	"context"
	"math/rand"
	"time"
)

// retry backoff parameters for the Storage Adapter's transient-error retry.
// The v2 CRUD surface's version-conflict retry uses versionRetryBackoff.
const (
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 2 * time.Second
	maxAttempts = 3
)

// withRetry runs fn up to maxAttempts times, retrying only when fn returns
// an error for which shouldRetry returns true. Backoff is base*2^attempt
// capped at maxBackoff.
func withRetry(ctx context.Context, shouldRetry func(error) bool, fn func() error) error {
	var err error
	backoff := baseBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) || attempt == maxAttempts-1 {
			return err
		}
		wait := backoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return err
}

// versionRetryBackoff returns the PUT auto-retry delay for attempt (0, 1, 2)
// 100/200/400ms exponential, +/-50ms jitter.
func versionRetryBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond * time.Duration(1<<uint(attempt))
	jitterMs := rand.Intn(101) - 50 //nolint:gosec // jitter only, not security sensitive
	jitter := time.Duration(jitterMs) * time.Millisecond
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return d
}
