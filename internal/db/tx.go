package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the set of writes a join performs atomically. Both the Postgres
// repository and MemoryStore hand one to the WithTx callback.
type Tx interface {
	// NextPosition bumps the waitlist's position counter and returns the new value.
	// The counter row stays locked until the transaction ends.
	NextPosition(ctx context.Context, waitlistID uuid.UUID) (int, error)
	FindSubscriberByCode(ctx context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error)
	InsertSubscriber(ctx context.Context, sub *Subscriber) error
	// CreditReferral adds one referral and bonus priority to the referrer in a
	// single statement and returns the new totals.
	CreditReferral(ctx context.Context, waitlistID, referrerID uuid.UUID, bonus int) (referralCount, priorityScore int, err error)
	InsertReferralEvent(ctx context.Context, ev *ReferralEvent) error
	InsertAnalyticsEvent(ctx context.Context, ev *AnalyticsEvent) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction. The transaction commits only if fn returns nil.
func (r *Repository) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) NextPosition(ctx context.Context, waitlistID uuid.UUID) (int, error) {
	var pos int
	err := t.q.QueryRow(ctx,
		`UPDATE waitlists SET last_position = last_position + 1 WHERE id = $1 RETURNING last_position`,
		waitlistID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("allocate position: %w", mapError(err))
	}
	return pos, nil
}

func (t *pgTx) FindSubscriberByCode(ctx context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error) {
	return findSubscriberByCode(ctx, t.q, waitlistID, code)
}

func (t *pgTx) InsertSubscriber(ctx context.Context, sub *Subscriber) error {
	query := `
		INSERT INTO subscribers (
			id, waitlist_id, email, name, referral_code, referred_by,
			position, priority_score, referral_count, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := t.q.QueryRow(ctx, query,
		sub.ID,
		sub.WaitlistID,
		sub.Email,
		sub.Name,
		sub.ReferralCode,
		sub.ReferredBy,
		sub.Position,
		sub.PriorityScore,
		sub.ReferralCount,
		sub.Status,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) CreditReferral(ctx context.Context, waitlistID, referrerID uuid.UUID, bonus int) (int, int, error) {
	query := `
		UPDATE subscribers
		SET referral_count = referral_count + 1,
		    priority_score = priority_score + $3
		WHERE id = $1 AND waitlist_id = $2
		RETURNING referral_count, priority_score
	`
	var count, score int
	if err := t.q.QueryRow(ctx, query, referrerID, waitlistID, bonus).Scan(&count, &score); err != nil {
		return 0, 0, fmt.Errorf("credit referral: %w", mapError(err))
	}
	return count, score, nil
}

func (t *pgTx) InsertReferralEvent(ctx context.Context, ev *ReferralEvent) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO referral_events (id, waitlist_id, referrer_id, referred_id)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		ev.ID, ev.WaitlistID, ev.ReferrerID, ev.ReferredID,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert referral event: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) InsertAnalyticsEvent(ctx context.Context, ev *AnalyticsEvent) error {
	return insertAnalyticsEvent(ctx, t.q, ev)
}
