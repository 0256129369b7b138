package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func insertAnalyticsEvent(ctx context.Context, q querier, ev *AnalyticsEvent) error {
	err := q.QueryRow(ctx,
		`INSERT INTO analytics_events (id, waitlist_id, event_type, metadata)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		ev.ID, ev.WaitlistID, ev.EventType, ev.Metadata,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", mapError(err))
	}
	return nil
}

// InsertAnalyticsEvent appends an event outside of a join transaction (widget views)
func (r *Repository) InsertAnalyticsEvent(ctx context.Context, ev *AnalyticsEvent) error {
	return insertAnalyticsEvent(ctx, r.db.Pool(), ev)
}

// CountAnalyticsEvents counts events of one type for a waitlist
func (r *Repository) CountAnalyticsEvents(ctx context.Context, waitlistID uuid.UUID, eventType string) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM analytics_events WHERE waitlist_id = $1 AND event_type = $2`,
		waitlistID, eventType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count analytics events: %w", err)
	}
	return n, nil
}

// CountReferralEvents counts every credited referral for a waitlist
func (r *Repository) CountReferralEvents(ctx context.Context, waitlistID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_events WHERE waitlist_id = $1`, waitlistID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count referral events: %w", err)
	}
	return n, nil
}

// CountReferralEventsBetween counts referrals with from <= created_at < until
func (r *Repository) CountReferralEventsBetween(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_events WHERE waitlist_id = $1 AND created_at >= $2 AND created_at < $3`,
		waitlistID, from, until,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count referral events: %w", err)
	}
	return n, nil
}

// ListReferralEventsSince returns referral events created at or after since,
// each carrying its waitlist's name and referral bonus
func (r *Repository) ListReferralEventsSince(ctx context.Context, since time.Time) ([]*ReferralEvent, error) {
	query := `
		SELECT e.id, e.waitlist_id, e.referrer_id, e.referred_id, e.created_at,
		       w.name, w.referral_bonus
		FROM referral_events e
		JOIN waitlists w ON w.id = e.waitlist_id
		WHERE e.created_at >= $1
		ORDER BY e.created_at ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query referral events: %w", err)
	}
	defer rows.Close()

	var events []*ReferralEvent
	for rows.Next() {
		var ev ReferralEvent
		err := rows.Scan(
			&ev.ID,
			&ev.WaitlistID,
			&ev.ReferrerID,
			&ev.ReferredID,
			&ev.CreatedAt,
			&ev.WaitlistName,
			&ev.ReferralBonus,
		)
		if err != nil {
			return nil, fmt.Errorf("scan referral event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}
