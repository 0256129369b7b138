package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/waitlistq/internal/db"
)

// CodeFinder resolves referral codes. db.Tx and the repositories satisfy it.
type CodeFinder interface {
	FindSubscriberByCode(ctx context.Context, waitlistID uuid.UUID, code string) (*db.Subscriber, error)
}

// ResolveReferrer looks a referral code up inside one waitlist. A miss, including
// a code that belongs to another waitlist, returns nil and no error.
func ResolveReferrer(ctx context.Context, finder CodeFinder, waitlistID uuid.UUID, code string) (*db.Subscriber, error) {
	if code == "" {
		return nil, nil
	}
	referrer, err := finder.FindSubscriberByCode(ctx, waitlistID, code)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if referrer.WaitlistID != waitlistID {
		return nil, nil
	}
	return referrer, nil
}

// Credit is the referrer's state after a credited referral
type Credit struct {
	ReferrerID    uuid.UUID
	ReferralCount int
	PriorityScore int
}

// CreditReferral credits referrerID for the signup of referredID: one referral and
// bonus priority in a single atomic increment, then the referral event and the
// referral_signup analytics event. Must run in the transaction that inserted the
// referred subscriber; the unique referred_id on referral events stops a second credit.
func CreditReferral(ctx context.Context, tx db.Tx, waitlistID, referrerID, referredID uuid.UUID, bonus int) (*Credit, error) {
	if bonus < 1 {
		bonus = 1
	}

	count, score, err := tx.CreditReferral(ctx, waitlistID, referrerID, bonus)
	if err != nil {
		return nil, err
	}

	err = tx.InsertReferralEvent(ctx, &db.ReferralEvent{
		ID:         uuid.New(),
		WaitlistID: waitlistID,
		ReferrerID: referrerID,
		ReferredID: referredID,
	})
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(map[string]string{
		"referrer_id": referrerID.String(),
		"referred_id": referredID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal referral metadata: %w", err)
	}
	err = tx.InsertAnalyticsEvent(ctx, &db.AnalyticsEvent{
		ID:         uuid.New(),
		WaitlistID: waitlistID,
		EventType:  db.EventReferralSignup,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}

	return &Credit{ReferrerID: referrerID, ReferralCount: count, PriorityScore: score}, nil
}
