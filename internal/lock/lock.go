package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "game:lock:"

// Locker provides per-user mutual exclusion on top of an atomic
// set-if-absent with expiry. The TTL bounds how long a crashed holder
// can keep others out.
type Locker struct {
	rdb        *redis.Client
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

func New(rdb *redis.Client, ttl time.Duration, retries int, retryDelay time.Duration) *Locker {
	if retries < 1 {
		retries = 1
	}
	return &Locker{rdb: rdb, ttl: ttl, retries: retries, retryDelay: retryDelay}
}

func key(userID int64) string { return keyPrefix + strconv.FormatInt(userID, 10) }

// Acquire makes a single attempt. It returns false when another holder
// owns the key.
func (l *Locker) Acquire(ctx context.Context, userID int64) (bool, error) {
	return l.rdb.SetNX(ctx, key(userID), "locked", l.ttl).Result()
}

// AcquireWithRetry makes a bounded number of attempts with a fixed delay
// between them. On exhaustion it reports contention instead of blocking.
func (l *Locker) AcquireWithRetry(ctx context.Context, userID int64) (bool, error) {
	for attempt := 1; attempt <= l.retries; attempt++ {
		ok, err := l.Acquire(ctx, userID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if attempt < l.retries {
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return false, nil
}

// Release deletes the lock key. Deleting an absent key is a no-op, so
// release is idempotent.
func (l *Locker) Release(ctx context.Context, userID int64) error {
	return l.rdb.Del(ctx, key(userID)).Err()
}
