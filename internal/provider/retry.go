package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retrying wraps a Provider with bounded retries on transient errors.
// Only ErrServiceUnavailable is retried; context cancellation and
// permanent upstream errors surface immediately.
type Retrying struct {
	inner       Provider
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewRetrying(inner Provider, maxAttempts int, base, max time.Duration) *Retrying {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Retrying{inner: inner, maxAttempts: maxAttempts, backoffBase: base, backoffMax: max}
}

func (r *Retrying) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(r.backoffBase, r.backoffMax, attempt)):
			}
		}
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrServiceUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// backoffDelay returns base*2^(attempt-1) capped at max, with full
// jitter so concurrent callers do not synchronize.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}
