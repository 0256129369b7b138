package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, owner_id, subscriber_id, waitlist_id, type, dedup_key,
			recipient, subject, body, status, attempt, next_retry_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.OwnerID,
		notif.SubscriberID,
		notif.WaitlistID,
		notif.Type,
		notif.DedupKey,
		notif.Recipient,
		notif.Subject,
		notif.Body,
		notif.Status,
		notif.Attempt,
		notif.NextRetryAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", notif.Type),
		zap.String("dedup_key", notif.DedupKey),
	)

	return nil
}

// HasNotificationSince reports whether a notification with this dedup key exists at or after since
func (r *Repository) HasNotificationSince(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE dedup_key = $1 AND created_at >= $2)`,
		dedupKey, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query notification dedup: %w", err)
	}
	return exists, nil
}

// GetPendingNotifications returns pending notifications that are due for delivery
func (r *Repository) GetPendingNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT
			id, owner_id, subscriber_id, waitlist_id, type, dedup_key,
			recipient, subject, body, status, attempt, last_error,
			next_retry_at, created_at, updated_at
		FROM notifications
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.OwnerID,
			&notif.SubscriberID,
			&notif.WaitlistID,
			&notif.Type,
			&notif.DedupKey,
			&notif.Recipient,
			&notif.Subject,
			&notif.Body,
			&notif.Status,
			&notif.Attempt,
			&notif.LastError,
			&notif.NextRetryAt,
			&notif.CreatedAt,
			&notif.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UpdateNotificationStatus records a delivery attempt
func (r *Repository) UpdateNotificationStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	attempt int,
	lastError *string,
	nextRetryAt *time.Time,
) error {
	query := `
		UPDATE notifications
		SET status = $1, attempt = $2, last_error = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, lastError, nextRetryAt, id)
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("update notification status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}
