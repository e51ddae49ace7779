package reliability

import (
	"context"
	"time"
)

// RetryPolicy bounds how often and how fast an operation is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used by the HTTP provider adapters.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Retry runs op until it succeeds, returns a non-retryable error, attempts run out,
// or ctx is done. op reports whether its error may be retried.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) (retryable bool, err error)) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(ExponentialBackoff(attempt-1, p.BaseDelay, p.MaxDelay))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
		retryable, err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}
