package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T, retries int, retryDelay time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, 5*time.Second, retries, retryDelay), mr
}

func TestAcquireAndContention(t *testing.T) {
	l, _ := newTestLocker(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = l.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected contention on held lock")
	}

	// A different user key is independent.
	ok, err = l.Acquire(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("acquire other user: ok=%v err=%v", ok, err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, _ := newTestLocker(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, 7); !ok {
		t.Fatalf("acquire failed")
	}
	if err := l.Release(ctx, 7); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, 7); err != nil {
		t.Fatalf("release absent key: %v", err)
	}
	if ok, _ := l.Acquire(ctx, 7); !ok {
		t.Fatalf("re-acquire after release failed")
	}
}

func TestLockExpiresWithoutRelease(t *testing.T) {
	l, mr := newTestLocker(t, 2, 10*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, 3); !ok {
		t.Fatalf("acquire failed")
	}
	mr.FastForward(6 * time.Second)
	if ok, _ := l.Acquire(ctx, 3); !ok {
		t.Fatalf("expected acquire after TTL expiry")
	}
}

func TestAcquireWithRetryExhausts(t *testing.T) {
	l, _ := newTestLocker(t, 2, 5*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, 9); !ok {
		t.Fatalf("acquire failed")
	}
	ok, err := l.AcquireWithRetry(ctx, 9)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ok {
		t.Fatalf("expected contention after bounded retries")
	}
}

func TestAcquireWithRetrySucceedsAfterRelease(t *testing.T) {
	l, _ := newTestLocker(t, 2, 50*time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, 4); !ok {
		t.Fatalf("acquire failed")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(context.Background(), 4)
	}()

	ok, err := l.AcquireWithRetry(ctx, 4)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !ok {
		t.Fatalf("expected acquire on second attempt after release")
	}
}
