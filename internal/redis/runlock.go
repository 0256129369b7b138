package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRunLockTTL bounds how long a crashed replica can hold a scan lock.
	DefaultRunLockTTL = 10 * time.Minute

	// lastRunTTL is how long the summary of the previous run is kept.
	lastRunTTL = 8 * 24 * time.Hour
)

// ErrLockHeld indicates another replica is already running the scan.
var ErrLockHeld = errors.New("run lock held by another worker")

// release only deletes the key if we still own it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunRecord summarises the last completed run of a scan.
type RunRecord struct {
	Scan       string `json:"scan"`
	Processed  int    `json:"processed"`
	Notified   int    `json:"notified"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	FinishedAt int64  `json:"finished_at"`
}

// RunLock serializes scheduled scans across replicas using Redis.
type RunLock struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunLock creates a run lock whose keys expire after ttl.
func NewRunLock(client *Client, ttl time.Duration, logger *zap.Logger) *RunLock {
	if ttl <= 0 {
		ttl = DefaultRunLockTTL
	}
	return &RunLock{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RunLock) lockKey(scan string) string {
	return fmt.Sprintf("runlock:%s", scan)
}

func (l *RunLock) recordKey(scan string) string {
	return fmt.Sprintf("lastrun:%s", scan)
}

// Acquire takes the lock for scan using SET NX. It returns a token to pass to
// Release, or ErrLockHeld if another holder has it.
func (l *RunLock) Acquire(ctx context.Context, scan string) (string, error) {
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, l.lockKey(scan), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return "", ErrLockHeld
	}

	l.logger.Debug("run lock acquired", zap.String("scan", scan))
	return token, nil
}

// Release drops the lock if token still owns it. Releasing an expired or
// foreign lock is a no-op.
func (l *RunLock) Release(ctx context.Context, scan, token string) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.lockKey(scan)}, token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Record stores the summary of a finished run.
func (l *RunLock) Record(ctx context.Context, rec *RunRecord) error {
	if rec.FinishedAt == 0 {
		rec.FinishedAt = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	if err := l.client.rdb.Set(ctx, l.recordKey(rec.Scan), data, lastRunTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// LastRun returns the most recent record for scan, or (nil, nil) if none.
func (l *RunLock) LastRun(ctx context.Context, scan string) (*RunRecord, error) {
	val, err := l.client.rdb.Get(ctx, l.recordKey(scan)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		l.logger.Error("failed to unmarshal run record", zap.Error(err))
		return nil, fmt.Errorf("invalid run record: %w", err)
	}
	return &rec, nil
}
