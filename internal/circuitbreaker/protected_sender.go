package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// Sender mirrors worker.Sender so this package stays import-free of the worker.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification) error
}

// ProtectedSender routes every send through a CircuitBreaker.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send returns an error wrapping ErrCircuitOpen without calling the sender
// while the circuit is open. Otherwise the result is fed back to the breaker.
func (p *ProtectedSender) Send(ctx context.Context, notif *db.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", notif.ID.String()),
			zap.String("type", notif.Type),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, notif)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for stats.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
