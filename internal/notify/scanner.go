// Package notify runs the periodic scans that turn waitlist activity into
// notification records: the weekly owner digest, expiry warnings, and
// referral milestones. Each scan processes entities independently; one
// failure is recorded in the report and the scan moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/metrics"
)

// Scan names
const (
	ScanDigest     = "digest"
	ScanExpiry     = "expiry"
	ScanMilestones = "milestones"
)

const (
	day = 24 * time.Hour

	digestDedupWindow   = 6 * day
	soonDedupWindow     = 6 * day
	tomorrowDedupWindow = day
	milestoneWindow     = day
	expiryHorizon       = 7 * day

	minSpotsForMilestone = 3
)

// Thresholds are the referral counts that earn a milestone notification
var Thresholds = []int{1, 3, 5, 10, 25, 50, 100}

// ErrUnknownScan is returned by Run for an unrecognised scan name
var ErrUnknownScan = errors.New("unknown scan")

// Store is the persistence surface the scans need
type Store interface {
	ListActiveWaitlists(ctx context.Context) ([]*db.Waitlist, error)
	ListClosingWaitlists(ctx context.Context, after, until time.Time) ([]*db.Waitlist, error)
	ListReferralEventsSince(ctx context.Context, since time.Time) ([]*db.ReferralEvent, error)
	GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error)
	HasNotificationSince(ctx context.Context, dedupKey string, since time.Time) (bool, error)
	CreateNotification(ctx context.Context, notif *db.Notification) error
}

// Digester computes the weekly summary. *analytics.Aggregator implements it.
type Digester interface {
	Digest(ctx context.Context, waitlistID uuid.UUID, now time.Time) (*analytics.Digest, error)
}

// Report summarises one scan run
type Report struct {
	Scan      string   `json:"scan"`
	Processed int      `json:"processed"`
	Notified  int      `json:"notified"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

func (r *Report) fail(entity string, id uuid.UUID, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s %s: %v", entity, id, err))
}

// Scanner runs the notification scans
type Scanner struct {
	store   Store
	digests Digester
	logger  *zap.Logger
}

// NewScanner creates a new scanner
func NewScanner(store Store, digests Digester, logger *zap.Logger) *Scanner {
	return &Scanner{
		store:   store,
		digests: digests,
		logger:  logger,
	}
}

// Run dispatches a scan by name
func (s *Scanner) Run(ctx context.Context, scan string, now time.Time) (*Report, error) {
	switch scan {
	case ScanDigest:
		return s.RunWeeklyDigest(ctx, now)
	case ScanExpiry:
		return s.RunExpiryWarnings(ctx, now)
	case ScanMilestones:
		return s.RunMilestoneScan(ctx, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScan, scan)
	}
}

func (s *Scanner) finish(r *Report, started time.Time) {
	metrics.RecordScan(r.Scan, time.Since(started), len(r.Errors))
	s.logger.Info("scan finished",
		zap.String("scan", r.Scan),
		zap.Int("processed", r.Processed),
		zap.Int("notified", r.Notified),
		zap.Int("skipped", r.Skipped),
		zap.Int("errors", len(r.Errors)),
	)
}

// deliverOnce writes notif unless one with the same dedup key exists inside window
func (s *Scanner) deliverOnce(ctx context.Context, notif *db.Notification, now time.Time, window time.Duration) (bool, error) {
	exists, err := s.store.HasNotificationSince(ctx, notif.DedupKey, now.Add(-window))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	notif.ID = uuid.New()
	notif.Status = db.StatusPending
	if err := s.store.CreateNotification(ctx, notif); err != nil {
		return false, err
	}
	metrics.RecordNotificationCreated(notif.Type)
	return true, nil
}

// RunWeeklyDigest writes one digest per active waitlist to its owner
func (s *Scanner) RunWeeklyDigest(ctx context.Context, now time.Time) (*Report, error) {
	started := time.Now()
	report := &Report{Scan: ScanDigest, Errors: []string{}}
	defer s.finish(report, started)

	waitlists, err := s.store.ListActiveWaitlists(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active waitlists: %w", err)
	}

	for _, w := range waitlists {
		report.Processed++

		digest, err := s.digests.Digest(ctx, w.ID, now)
		if err != nil {
			s.logger.Error("digest failed", zap.Error(err), zap.String("waitlist_id", w.ID.String()))
			report.fail("waitlist", w.ID, err)
			continue
		}

		subject, body := digestMessage(w.Name, w.OwnerFullName, digest)
		ownerID, waitlistID := w.OwnerID, w.ID
		sent, err := s.deliverOnce(ctx, &db.Notification{
			OwnerID:    &ownerID,
			WaitlistID: &waitlistID,
			Type:       db.NotificationWeeklyDigest,
			DedupKey:   "digest:" + w.ID.String(),
			Recipient:  w.OwnerEmail,
			Subject:    subject,
			Body:       body,
		}, now, digestDedupWindow)
		if err != nil {
			s.logger.Error("digest notification failed", zap.Error(err), zap.String("waitlist_id", w.ID.String()))
			report.fail("waitlist", w.ID, err)
			continue
		}
		if sent {
			report.Notified++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

// RunExpiryWarnings warns owners of waitlists closing within seven days. The
// (24h, 7d] band gets a "closes in N days" message and (0, 24h] an urgent one.
func (s *Scanner) RunExpiryWarnings(ctx context.Context, now time.Time) (*Report, error) {
	started := time.Now()
	report := &Report{Scan: ScanExpiry, Errors: []string{}}
	defer s.finish(report, started)

	waitlists, err := s.store.ListClosingWaitlists(ctx, now, now.Add(expiryHorizon))
	if err != nil {
		return nil, fmt.Errorf("list closing waitlists: %w", err)
	}

	for _, w := range waitlists {
		if w.ClosesAt == nil {
			continue
		}
		report.Processed++

		left := w.ClosesAt.Sub(now)
		var (
			band, subject, body string
			window              time.Duration
		)
		if left <= day {
			band, window = "tomorrow", tomorrowDedupWindow
			subject, body = closingTomorrowMessage(w.Name, w.OwnerFullName)
		} else {
			band, window = "soon", soonDedupWindow
			subject, body = closingSoonMessage(w.Name, w.OwnerFullName, DaysLeft(left))
		}

		ownerID, waitlistID := w.OwnerID, w.ID
		sent, err := s.deliverOnce(ctx, &db.Notification{
			OwnerID:    &ownerID,
			WaitlistID: &waitlistID,
			Type:       db.NotificationExpiryWarning,
			DedupKey:   "expiry:" + w.ID.String() + ":" + band,
			Recipient:  w.OwnerEmail,
			Subject:    subject,
			Body:       body,
		}, now, window)
		if err != nil {
			s.logger.Error("expiry notification failed", zap.Error(err), zap.String("waitlist_id", w.ID.String()))
			report.fail("waitlist", w.ID, err)
			continue
		}
		if sent {
			report.Notified++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

// DaysLeft rounds a remaining duration up to whole days
func DaysLeft(left time.Duration) int {
	return int(math.Ceil(float64(left) / float64(day)))
}

type referrerActivity struct {
	referrerID   uuid.UUID
	waitlistName string
	bonus        int
	recent       int
}

// RunMilestoneScan congratulates referrers whose referrals in the last 24 hours
// crossed a threshold or gained them at least three spots
func (s *Scanner) RunMilestoneScan(ctx context.Context, now time.Time) (*Report, error) {
	started := time.Now()
	report := &Report{Scan: ScanMilestones, Errors: []string{}}
	defer s.finish(report, started)

	events, err := s.store.ListReferralEventsSince(ctx, now.Add(-milestoneWindow))
	if err != nil {
		return nil, fmt.Errorf("list referral events: %w", err)
	}

	// group by referrer, keeping first-seen order
	var order []uuid.UUID
	activity := make(map[uuid.UUID]*referrerActivity)
	for _, ev := range events {
		a, ok := activity[ev.ReferrerID]
		if !ok {
			bonus := ev.ReferralBonus
			if bonus < 1 {
				bonus = 1
			}
			a = &referrerActivity{referrerID: ev.ReferrerID, waitlistName: ev.WaitlistName, bonus: bonus}
			activity[ev.ReferrerID] = a
			order = append(order, ev.ReferrerID)
		}
		a.recent++
	}

	for _, id := range order {
		a := activity[id]
		report.Processed++

		sub, err := s.store.GetSubscriber(ctx, id)
		if err != nil {
			s.logger.Error("milestone lookup failed", zap.Error(err), zap.String("subscriber_id", id.String()))
			report.fail("subscriber", id, err)
			continue
		}

		spots := a.recent * a.bonus
		_, crossed := CrossedThreshold(sub.ReferralCount, a.recent)
		if !crossed && spots < minSpotsForMilestone {
			report.Skipped++
			continue
		}

		subject, body := milestoneMessage(a.waitlistName, sub.Name, a.recent, spots, sub.ReferralCount)
		subscriberID, waitlistID := sub.ID, sub.WaitlistID
		sent, err := s.deliverOnce(ctx, &db.Notification{
			SubscriberID: &subscriberID,
			WaitlistID:   &waitlistID,
			Type:         db.NotificationMilestone,
			DedupKey:     "milestone:" + sub.ID.String(),
			Recipient:    sub.Email,
			Subject:      subject,
			Body:         body,
		}, now, milestoneWindow)
		if err != nil {
			s.logger.Error("milestone notification failed", zap.Error(err), zap.String("subscriber_id", id.String()))
			report.fail("subscriber", id, err)
			continue
		}
		if sent {
			report.Notified++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

// CrossedThreshold reports the first threshold m with total >= m and total-recent < m
func CrossedThreshold(total, recent int) (int, bool) {
	for _, m := range Thresholds {
		if total >= m && total-recent < m {
			return m, true
		}
	}
	return 0, false
}
