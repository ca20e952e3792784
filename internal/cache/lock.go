package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned when a lock could not be taken within the wait bound.
var ErrLocked = errors.New("lock held by another caller")

const lockPollInterval = 50 * time.Millisecond

// WithLock runs fn while holding key. It polls for up to wait before giving
// up with ErrLocked. The lock expires after ttl even if the holder dies.
func WithLock(ctx context.Context, c Cache, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := c.TryLock(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("acquiring %s: %w", key, err)
		}
		if ok {
			defer c.Unlock(context.WithoutCancel(ctx), key, token)
			return fn(ctx)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLocked, key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
