package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// SaveWithRetry persists a snapshot, retrying transient failures with
// exponential backoff until maxElapsed is spent. Stale-version and other
// non-transient errors abort immediately: retrying cannot fix them.
func SaveWithRetry(ctx context.Context, s Store, snap *Snapshot, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = maxElapsed

	operation := func() error {
		err := s.Save(ctx, snap)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
