package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRunLock_AcquireRelease(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewRunLock(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	token, err := lock.Acquire(ctx, "digest")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a lock token")
	}

	if _, err := lock.Acquire(ctx, "digest"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got: %v", err)
	}

	if err := lock.Release(ctx, "digest", token); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, err := lock.Acquire(ctx, "digest"); err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
}

func TestRunLock_ScansAreIndependent(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewRunLock(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "digest"); err != nil {
		t.Fatalf("digest acquire failed: %v", err)
	}
	if _, err := lock.Acquire(ctx, "milestones"); err != nil {
		t.Fatalf("milestones should not be blocked by digest: %v", err)
	}
}

func TestRunLock_ReleaseWithForeignToken(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewRunLock(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "expiry"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := lock.Release(ctx, "expiry", "someone-else"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, err := lock.Acquire(ctx, "expiry"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("lock should still be held, got: %v", err)
	}
}

func TestRunLock_Expires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewRunLock(client, 30*time.Second, zap.NewNop())
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "digest"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	mr.FastForward(31 * time.Second)

	if _, err := lock.Acquire(ctx, "digest"); err != nil {
		t.Fatalf("expired lock should be acquirable: %v", err)
	}
}

func TestRunLock_RecordAndLastRun(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	lock := NewRunLock(client, 0, zap.NewNop())
	ctx := context.Background()

	rec, err := lock.LastRun(ctx, "milestones")
	if err != nil {
		t.Fatalf("last run failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record, got %+v", rec)
	}

	if err := lock.Record(ctx, &RunRecord{Scan: "milestones", Processed: 4, Notified: 2, Skipped: 2}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	rec, err = lock.LastRun(ctx, "milestones")
	if err != nil {
		t.Fatalf("last run failed: %v", err)
	}
	if rec == nil || rec.Notified != 2 || rec.Processed != 4 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.FinishedAt == 0 {
		t.Error("expected FinishedAt to be stamped")
	}
	if lock.ttl != DefaultRunLockTTL {
		t.Errorf("expected default ttl, got %v", lock.ttl)
	}
}
