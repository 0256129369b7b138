package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriberColumns = `
	id, waitlist_id, email, name, referral_code, referred_by,
	position, priority_score, referral_count, status, created_at
`

func scanSubscriber(row pgx.Row) (*Subscriber, error) {
	var s Subscriber
	err := row.Scan(
		&s.ID,
		&s.WaitlistID,
		&s.Email,
		&s.Name,
		&s.ReferralCode,
		&s.ReferredBy,
		&s.Position,
		&s.PriorityScore,
		&s.ReferralCount,
		&s.Status,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func findSubscriberByCode(ctx context.Context, q querier, waitlistID uuid.UUID, code string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE waitlist_id = $1 AND referral_code = $2`
	s, err := scanSubscriber(q.QueryRow(ctx, query, waitlistID, code))
	if err != nil {
		return nil, fmt.Errorf("query subscriber by code: %w", mapError(err))
	}
	return s, nil
}

func (r *Repository) listSubscribers(ctx context.Context, query string, args ...any) ([]*Subscriber, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return subs, nil
}

// GetSubscriber retrieves a subscriber by ID
func (r *Repository) GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	s, err := scanSubscriber(r.db.Pool().QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query subscriber: %w", mapError(err))
	}
	return s, nil
}

// GetSubscriberByEmail looks up a subscriber by (waitlist, email)
func (r *Repository) GetSubscriberByEmail(ctx context.Context, waitlistID uuid.UUID, email string) (*Subscriber, error) {
	s, err := scanSubscriber(r.db.Pool().QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE waitlist_id = $1 AND email = $2`,
		waitlistID, email))
	if err != nil {
		return nil, fmt.Errorf("query subscriber by email: %w", mapError(err))
	}
	return s, nil
}

// FindSubscriberByCode resolves a referral code within one waitlist
func (r *Repository) FindSubscriberByCode(ctx context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error) {
	return findSubscriberByCode(ctx, r.db.Pool(), waitlistID, code)
}

// CountSubscribers returns the number of subscribers in a waitlist
func (r *Repository) CountSubscribers(ctx context.Context, waitlistID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE waitlist_id = $1`, waitlistID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// CountSubscribersBetween counts signups with from <= created_at < until
func (r *Repository) CountSubscribersBetween(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE waitlist_id = $1 AND created_at >= $2 AND created_at < $3`,
		waitlistID, from, until,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// TopReferrers returns subscribers with at least one referral, most referrals first.
// Ties go to the earlier signup.
func (r *Repository) TopReferrers(ctx context.Context, waitlistID uuid.UUID, limit int) ([]*Subscriber, error) {
	return r.listSubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE waitlist_id = $1 AND referral_count > 0
		 ORDER BY referral_count DESC, created_at ASC, position ASC
		 LIMIT $2`,
		waitlistID, limit,
	)
}

// ListSubscribersRanked returns the whole waitlist in rank order
func (r *Repository) ListSubscribersRanked(ctx context.Context, waitlistID uuid.UUID) ([]*Subscriber, error) {
	return r.listSubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE waitlist_id = $1
		 ORDER BY priority_score DESC, position ASC`,
		waitlistID,
	)
}

// SignupTimes returns created_at for every signup with from <= created_at < until, oldest first
func (r *Repository) SignupTimes(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT created_at FROM subscribers
		 WHERE waitlist_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC`,
		waitlistID, from, until,
	)
	if err != nil {
		return nil, fmt.Errorf("query signup times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan signup time: %w", err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return times, nil
}
