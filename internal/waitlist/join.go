package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/metrics"
)

const (
	joinRetryInterval = 10 * time.Millisecond
	joinMaxRetries    = 2
)

// JoinResult is the outcome of a successful Join
type JoinResult struct {
	AlreadyJoined bool
	Subscriber    *db.Subscriber
	ReferralURL   string
	TotalCount    int
	// Credit is set when the signup credited a referrer
	Credit *Credit
}

// Join signs an email up to a waitlist. A repeat email returns the existing
// subscriber with AlreadyJoined set and writes nothing. NotFound, Closed and
// CapacityExceeded end the join without mutation.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	w, err := s.lookupWaitlist(ctx, req.WaitlistID)
	if err != nil {
		metrics.RecordJoin(joinOutcome(err))
		return nil, err
	}

	if !w.IsActive {
		metrics.RecordJoin("closed")
		return nil, fmt.Errorf("%w: %s", ErrClosed, w.Slug)
	}

	// Advisory: concurrent joins can pass this together. The position counter
	// inside the transaction is the hard cap.
	limit := s.planLimit(w)
	count, err := s.store.CountSubscribers(ctx, w.ID)
	if err != nil {
		metrics.RecordJoin("error")
		return nil, storeErr("count subscribers", err)
	}
	if count >= limit {
		metrics.RecordJoin("full")
		return nil, fmt.Errorf("%w: %d of %d", ErrCapacityExceeded, count, limit)
	}

	existing, err := s.store.GetSubscriberByEmail(ctx, w.ID, req.Email)
	if err == nil {
		metrics.RecordJoin("already_joined")
		return s.alreadyJoined(w, existing, count), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		metrics.RecordJoin("error")
		return nil, storeErr("get subscriber", err)
	}

	sub, credit, err := s.insertWithRetry(ctx, w, limit, req)
	if errors.Is(err, db.ErrDuplicateEmail) {
		// lost a race with a concurrent join for the same email
		existing, lookupErr := s.store.GetSubscriberByEmail(ctx, w.ID, req.Email)
		if lookupErr != nil {
			metrics.RecordJoin("error")
			return nil, storeErr("re-read subscriber", lookupErr)
		}
		total, countErr := s.store.CountSubscribers(ctx, w.ID)
		if countErr != nil {
			total = count
		}
		metrics.RecordJoin("already_joined")
		return s.alreadyJoined(w, existing, total), nil
	}
	if err != nil {
		metrics.RecordJoin(joinOutcome(err))
		if errors.Is(err, ErrCapacityExceeded) {
			return nil, err
		}
		return nil, storeErr("join", err)
	}

	total, err := s.store.CountSubscribers(ctx, w.ID)
	if err != nil {
		// the signup is committed; fall back to the allocated position
		total = sub.Position
	}

	metrics.RecordJoin("created")
	if credit != nil {
		metrics.RecordReferralCredited()
	}

	s.logger.Info("subscriber joined",
		zap.String("waitlist_id", w.ID.String()),
		zap.String("subscriber_id", sub.ID.String()),
		zap.Int("position", sub.Position),
		zap.Bool("referred", credit != nil),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishJoined(ctx, w, sub); err != nil {
			s.logger.Warn("failed to publish join event",
				zap.Error(err),
				zap.String("subscriber_id", sub.ID.String()),
			)
		}
	}

	return &JoinResult{
		Subscriber:  sub,
		ReferralURL: s.ReferralURL(w, sub.ReferralCode),
		TotalCount:  total,
		Credit:      credit,
	}, nil
}

func (s *Service) alreadyJoined(w *db.Waitlist, sub *db.Subscriber, total int) *JoinResult {
	return &JoinResult{
		AlreadyJoined: true,
		Subscriber:    sub,
		ReferralURL:   s.ReferralURL(w, sub.ReferralCode),
		TotalCount:    total,
	}
}

// insertWithRetry runs the join transaction, retrying when a generated referral
// code or an allocated position collides. Every other error is final.
func (s *Service) insertWithRetry(ctx context.Context, w *db.Waitlist, limit int, req JoinRequest) (*db.Subscriber, *Credit, error) {
	var (
		sub    *db.Subscriber
		credit *Credit
	)

	op := func() error {
		sub, credit = nil, nil
		err := s.store.WithTx(ctx, func(tx db.Tx) error {
			var err error
			sub, credit, err = s.joinTx(ctx, tx, w, limit, req)
			return err
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, db.ErrDuplicateReferralCode) || errors.Is(err, db.ErrDuplicatePosition) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		metrics.RecordJoinRetry()
		s.logger.Warn("join collided, retrying",
			zap.Error(err),
			zap.String("waitlist_id", w.ID.String()),
			zap.Duration("wait", wait),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(joinRetryInterval), joinMaxRetries),
		ctx,
	)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, nil, err
	}
	return sub, credit, nil
}

// joinTx allocates the position, inserts the subscriber, credits the referrer
// and logs the signup, all inside one transaction.
func (s *Service) joinTx(ctx context.Context, tx db.Tx, w *db.Waitlist, limit int, req JoinRequest) (*db.Subscriber, *Credit, error) {
	position, err := tx.NextPosition(ctx, w.ID)
	if err != nil {
		return nil, nil, err
	}
	if position > limit {
		return nil, nil, fmt.Errorf("%w: position %d exceeds limit %d", ErrCapacityExceeded, position, limit)
	}

	code, err := NewReferralCode()
	if err != nil {
		return nil, nil, err
	}

	var referrer *db.Subscriber
	if req.ReferralCode != nil {
		referrer, err = ResolveReferrer(ctx, tx, w.ID, *req.ReferralCode)
		if err != nil {
			return nil, nil, err
		}
	}

	sub := &db.Subscriber{
		ID:           uuid.New(),
		WaitlistID:   w.ID,
		Email:        req.Email,
		Name:         req.Name,
		ReferralCode: code,
		Position:     position,
		Status:       db.SubscriberStatusWaiting,
	}
	if referrer != nil {
		sub.ReferredBy = &referrer.ID
	}
	if err := tx.InsertSubscriber(ctx, sub); err != nil {
		return nil, nil, err
	}

	var credit *Credit
	if referrer != nil {
		credit, err = CreditReferral(ctx, tx, w.ID, referrer.ID, sub.ID, w.ReferralBonus)
		if err != nil {
			return nil, nil, err
		}
	}

	meta, err := json.Marshal(map[string]string{"subscriber_id": sub.ID.String()})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal signup metadata: %w", err)
	}
	err = tx.InsertAnalyticsEvent(ctx, &db.AnalyticsEvent{
		ID:         uuid.New(),
		WaitlistID: w.ID,
		EventType:  db.EventSignup,
		Metadata:   meta,
	})
	if err != nil {
		return nil, nil, err
	}

	return sub, credit, nil
}

func joinOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrCapacityExceeded):
		return "full"
	default:
		return "error"
	}
}
