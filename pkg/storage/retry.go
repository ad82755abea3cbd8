package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/graphvec/corevdb/pkg/corevdberr"
)

// RetryTransient retries op with exponential backoff (base 200ms, cap 30s, at most 5
// attempts) whenever it fails with a Transient-class error, per §7's propagation
// policy for the storage-adapter boundary. Non-retriable errors return immediately.
func RetryTransient(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !corevdberr.IsRetriable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, bctx)

	if err != nil {
		return lastErr
	}
	return nil
}
