package store

import (
	"context"
	"errors"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// withRetry runs a read-path repository call with bounded exponential backoff.
// Domain-classified errors (not found, invalid input) are returned untouched;
// anything else is treated as storage connectivity trouble and surfaced as
// StoreUnavailable once the attempts are exhausted.
func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, domain.WrapError(domain.KindStoreUnavailable, ctx.Err(), "storage retry interrupted")
			case <-time.After(delay):
			}
			delay *= 2
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if _, classified := domain.KindOf(err); classified {
			return zero, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, domain.WrapError(domain.KindStoreUnavailable, err, "storage call timed out")
		}
		lastErr = err
	}
	return zero, domain.WrapError(domain.KindStoreUnavailable, lastErr, "storage retries exhausted")
}
