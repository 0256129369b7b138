package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/metrics"
)

// lockName guards a poll so only one replica delivers a batch at a time
const lockName = "delivery"

type Repository interface {
	GetPendingNotifications(ctx context.Context, limit int) ([]*db.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, lastError *string, nextRetryAt *time.Time) error
}

// Locker is satisfied by *redis.RunLock
type Locker interface {
	Acquire(ctx context.Context, name string) (string, error)
	Release(ctx context.Context, name, token string) error
}

type Worker struct {
	repo   Repository
	sender Sender
	lock   Locker
	config Config
	now    func() time.Time
	logger *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func New(repo Repository, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Worker{
		repo:   repo,
		sender: sender,
		config: cfg,
		now:    time.Now,
		logger: logger,
	}
}

// WithLock makes each poll take a cross-replica lock first
func (w *Worker) WithLock(l Locker) *Worker {
	w.lock = l
	return w
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("delivery worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch delivers one batch of due notifications and returns how many
// were attempted.
func (w *Worker) processBatch(ctx context.Context) int {
	if w.lock != nil {
		token, err := w.lock.Acquire(ctx, lockName)
		if err != nil {
			w.logger.Debug("skipping delivery poll", zap.Error(err))
			return 0
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.lock.Release(releaseCtx, lockName, token); err != nil {
				w.logger.Warn("failed to release delivery lock", zap.Error(err))
			}
		}()
	}

	notifications, err := w.repo.GetPendingNotifications(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to get pending notifications", zap.Error(err))
		return 0
	}

	for _, notif := range notifications {
		if ctx.Err() != nil {
			break
		}
		w.processNotification(ctx, notif)
	}
	return len(notifications)
}

func (w *Worker) processNotification(ctx context.Context, notif *db.Notification) {
	err := w.sender.Send(ctx, notif)
	attempt := notif.Attempt + 1

	if err == nil {
		w.logger.Info("notification sent",
			zap.String("id", notif.ID.String()),
			zap.String("type", notif.Type),
		)
		metrics.RecordNotificationDelivered(db.StatusSent, notif.Type)
		w.updateStatus(ctx, notif, db.StatusSent, attempt, nil, nil)
		return
	}

	errMsg := err.Error()
	w.logger.Error("failed to send notification",
		zap.Error(err),
		zap.String("id", notif.ID.String()),
		zap.Int("attempt", attempt),
	)

	if attempt >= w.config.MaxRetries {
		w.logger.Warn("notification failed permanently",
			zap.String("id", notif.ID.String()),
			zap.Int("attempts", attempt),
		)
		metrics.RecordNotificationDelivered(db.StatusFailed, notif.Type)
		w.updateStatus(ctx, notif, db.StatusFailed, attempt, &errMsg, nil)
		return
	}

	metrics.RecordNotificationDelivered("retry", notif.Type)
	next := w.nextRetry(attempt)
	w.updateStatus(ctx, notif, db.StatusPending, attempt, &errMsg, &next)
}

func (w *Worker) updateStatus(ctx context.Context, notif *db.Notification, status string, attempt int, lastError *string, nextRetryAt *time.Time) {
	if err := w.repo.UpdateNotificationStatus(ctx, notif.ID, status, attempt, lastError, nextRetryAt); err != nil {
		w.logger.Error("failed to record delivery attempt",
			zap.String("id", notif.ID.String()),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// nextRetry returns when attempt+1 may run
func (w *Worker) nextRetry(attempt int) time.Time {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return w.now().Add(retryDelays[idx])
}
