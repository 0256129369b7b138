package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// Enqueuer is satisfied by *sqs.Producer
type Enqueuer interface {
	Enqueue(ctx context.Context, notif *db.Notification) (string, error)
}

// SQSSender hands notifications to a queue consumed by an external mailer.
// A successful enqueue counts as sent.
type SQSSender struct {
	queue  Enqueuer
	logger *zap.Logger
}

func NewSQSSender(queue Enqueuer, logger *zap.Logger) *SQSSender {
	return &SQSSender{queue: queue, logger: logger}
}

func (s *SQSSender) Send(ctx context.Context, notif *db.Notification) error {
	if err := validate(notif); err != nil {
		return err
	}

	msgID, err := s.queue.Enqueue(ctx, notif)
	if err != nil {
		return err
	}

	s.logger.Debug("notification handed to queue",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", msgID),
	)
	return nil
}
