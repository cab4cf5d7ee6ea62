package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxRetries = 5

// WithRetry runs op, retrying with exponential backoff while it fails with a
// transient ErrStorageIO. Capacity errors and every other error are permanent
// and returned immediately. After the retry budget is exhausted the last
// error is returned and the caller must treat it as fatal.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 1 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCapacityExceeded) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrStorageIO) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, defaultMaxRetries), ctx))
}
