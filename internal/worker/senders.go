package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// Sender delivers one rendered notification. Implementations: LogSender,
// SESSender, SQSSender.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
// Used for DELIVERY_MODE=log in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, notif *db.Notification) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", notif.ID.String()),
		zap.String("type", notif.Type),
		zap.String("to", notif.Recipient),
		zap.String("subject", notif.Subject),
		zap.Int("body_bytes", len(notif.Body)),
	)
	return nil
}
