package syncer

import (
	"context"
	"errors"
	"time"
)

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable reports whether another attempt could change the outcome. A
// server response that marks itself permanent, such as a rejected credential,
// fails the whole operation immediately.
func retryable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Temporary()
	}
	return true
}

// withRetry runs fn up to attempts times, doubling the delay between
// attempts from min up to max. It returns nil on the first success, and the
// last error once attempts are exhausted, the error is permanent, or the
// context is cancelled.
func withRetry(ctx context.Context, attempts int, min, max time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := min
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			break
		}
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return err
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
	return err
}
