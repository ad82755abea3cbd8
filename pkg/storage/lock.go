package storage

import (
	"context"
	"time"

	"github.com/graphvec/corevdb/pkg/corevdberr"
)

// PollAcquireLock blocks attempt until it succeeds or ctx is done, per §4.3's
// "acquisition is blocking up to a caller timeout" contract: every backend's
// AcquireLock wraps its single-shot attempt in this poll loop rather than
// failing the instant a held-and-unexpired lock is observed. attempt must
// return corevdberr.ErrLockUnavailable (or any error satisfying
// corevdberr.IsCode(err, corevdberr.LockUnavailable)) exactly when the lock is
// currently held by someone else; any other error is returned immediately.
func PollAcquireLock(ctx context.Context, interval time.Duration, attempt func() (string, error)) (string, error) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	for {
		token, err := attempt()
		if err == nil {
			return token, nil
		}
		if !corevdberr.IsCode(err, corevdberr.LockUnavailable) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", corevdberr.ErrLockUnavailable
		case <-time.After(interval):
		}
	}
}
