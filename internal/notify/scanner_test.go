package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/db"
)

var now = time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)

type scanFixture struct {
	t       *testing.T
	store   *db.MemoryStore
	owner   *db.Owner
	scanner *Scanner
	n       int
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	store := db.NewMemoryStore()
	store.SetClock(func() time.Time { return now.Add(-30 * day) })

	name := "Dana"
	owner := &db.Owner{ID: uuid.New(), Email: "dana@example.com", FullName: &name, Plan: db.PlanFree}
	require.NoError(t, store.CreateOwner(context.Background(), owner))

	return &scanFixture{
		t:       t,
		store:   store,
		owner:   owner,
		scanner: NewScanner(store, analytics.NewAggregator(store), zap.NewNop()),
	}
}

func (f *scanFixture) waitlist(name string, active bool, closesAt *time.Time, bonus int) *db.Waitlist {
	f.t.Helper()
	wl := &db.Waitlist{
		ID:            uuid.New(),
		OwnerID:       f.owner.ID,
		Name:          name,
		Slug:          strings.ToLower(name) + "-" + uuid.NewString()[:4],
		IsActive:      active,
		ClosesAt:      closesAt,
		ReferralBonus: bonus,
	}
	require.NoError(f.t, f.store.CreateWaitlist(context.Background(), wl))
	return wl
}

// signup adds a subscriber to wl at the given time, crediting referrer with the waitlist bonus
func (f *scanFixture) signup(wl *db.Waitlist, at time.Time, name string, referrer *db.Subscriber) *db.Subscriber {
	f.t.Helper()
	ctx := context.Background()
	f.store.SetClock(func() time.Time { return at })
	f.n++

	sub := &db.Subscriber{
		ID:           uuid.New(),
		WaitlistID:   wl.ID,
		Email:        fmt.Sprintf("user%d@example.com", f.n),
		ReferralCode: fmt.Sprintf("scan%04d", f.n),
		Status:       db.SubscriberStatusWaiting,
	}
	if name != "" {
		sub.Name = &name
	}
	if referrer != nil {
		sub.ReferredBy = &referrer.ID
	}

	err := f.store.WithTx(ctx, func(tx db.Tx) error {
		pos, err := tx.NextPosition(ctx, wl.ID)
		if err != nil {
			return err
		}
		sub.Position = pos
		if err := tx.InsertSubscriber(ctx, sub); err != nil {
			return err
		}
		if referrer == nil {
			return nil
		}
		if _, _, err := tx.CreditReferral(ctx, wl.ID, referrer.ID, wl.ReferralBonus); err != nil {
			return err
		}
		return tx.InsertReferralEvent(ctx, &db.ReferralEvent{
			ID: uuid.New(), WaitlistID: wl.ID, ReferrerID: referrer.ID, ReferredID: sub.ID,
		})
	})
	require.NoError(f.t, err)
	return sub
}

func (f *scanFixture) run(scan string, at time.Time) *Report {
	f.t.Helper()
	f.store.SetClock(func() time.Time { return at })
	report, err := f.scanner.Run(context.Background(), scan, at)
	require.NoError(f.t, err)
	return report
}

func (f *scanFixture) notifications(kind string) []*db.Notification {
	var out []*db.Notification
	for _, n := range f.store.Notifications() {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestWeeklyDigest_OnePerActiveWaitlist(t *testing.T) {
	f := newScanFixture(t)
	alpha := f.waitlist("Alpha", true, nil, 1)
	f.waitlist("Beta", true, nil, 1)
	f.waitlist("Dormant", false, nil, 1)

	ann := f.signup(alpha, now.Add(-10*day), "Ann", nil)
	f.signup(alpha, now.Add(-2*day), "", ann)
	f.signup(alpha, now.Add(-1*day), "", nil)

	report := f.run(ScanDigest, now)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Notified)
	assert.Empty(t, report.Errors)

	var digest *db.Notification
	for _, n := range f.notifications(db.NotificationWeeklyDigest) {
		if n.DedupKey == "digest:"+alpha.ID.String() {
			digest = n
		}
	}
	require.NotNil(t, digest)
	assert.Equal(t, "dana@example.com", digest.Recipient)
	assert.Equal(t, "Weekly Digest: Alpha", digest.Subject)
	assert.Equal(t, db.StatusPending, digest.Status)
	require.NotNil(t, digest.OwnerID)
	assert.Equal(t, f.owner.ID, *digest.OwnerID)
	assert.Contains(t, digest.Body, "Hey Dana!")
	assert.Contains(t, digest.Body, "New signups: 2")
	assert.Contains(t, digest.Body, "Total: 3")
	assert.Contains(t, digest.Body, "Referrals: 1")
	assert.Contains(t, digest.Body, "Top referrer: Ann")
}

func TestWeeklyDigest_Dedup(t *testing.T) {
	f := newScanFixture(t)
	f.waitlist("Alpha", true, nil, 1)

	require.Equal(t, 1, f.run(ScanDigest, now).Notified)

	again := f.run(ScanDigest, now.Add(time.Hour))
	assert.Equal(t, 0, again.Notified)
	assert.Equal(t, 1, again.Skipped)

	nextWeek := f.run(ScanDigest, now.Add(6*day+time.Second))
	assert.Equal(t, 1, nextWeek.Notified)

	assert.Len(t, f.notifications(db.NotificationWeeklyDigest), 2)
}

func TestExpiryWarnings_Bands(t *testing.T) {
	f := newScanFixture(t)
	soon := f.waitlist("Soon", true, timePtr(now.Add(60*time.Hour)), 1)
	edge := f.waitlist("Edge", true, timePtr(now.Add(7*day)), 1)
	tomorrow := f.waitlist("Tomorrow", true, timePtr(now.Add(12*time.Hour)), 1)
	exactDay := f.waitlist("ExactDay", true, timePtr(now.Add(day)), 1)
	f.waitlist("Later", true, timePtr(now.Add(10*day)), 1)
	f.waitlist("Closed", true, timePtr(now.Add(-time.Hour)), 1)
	f.waitlist("Inactive", false, timePtr(now.Add(2*day)), 1)

	report := f.run(ScanExpiry, now)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 4, report.Notified)

	byKey := make(map[string]*db.Notification)
	for _, n := range f.notifications(db.NotificationExpiryWarning) {
		byKey[n.DedupKey] = n
	}
	require.Len(t, byKey, 4)

	assert.Equal(t, `"Soon" closes in 3 days`, byKey["expiry:"+soon.ID.String()+":soon"].Subject)
	assert.Equal(t, `"Edge" closes in 7 days`, byKey["expiry:"+edge.ID.String()+":soon"].Subject)
	assert.Equal(t, `"Tomorrow" closes TOMORROW`, byKey["expiry:"+tomorrow.ID.String()+":tomorrow"].Subject)
	assert.Equal(t, `"ExactDay" closes TOMORROW`, byKey["expiry:"+exactDay.ID.String()+":tomorrow"].Subject)
}

func TestExpiryWarnings_DedupPerBand(t *testing.T) {
	f := newScanFixture(t)
	wl := f.waitlist("Launch", true, timePtr(now.Add(3*day)), 1)

	require.Equal(t, 1, f.run(ScanExpiry, now).Notified)

	// still in the soon band the next day
	next := f.run(ScanExpiry, now.Add(day))
	assert.Equal(t, 0, next.Notified)
	assert.Equal(t, 1, next.Skipped)

	// crossing into the final day is a new band
	final := f.run(ScanExpiry, now.Add(2*day+12*time.Hour))
	assert.Equal(t, 1, final.Notified)

	final2 := f.run(ScanExpiry, now.Add(2*day+18*time.Hour))
	assert.Equal(t, 0, final2.Notified)

	keys := []string{}
	for _, n := range f.notifications(db.NotificationExpiryWarning) {
		keys = append(keys, n.DedupKey)
	}
	assert.ElementsMatch(t, []string{
		"expiry:" + wl.ID.String() + ":soon",
		"expiry:" + wl.ID.String() + ":tomorrow",
	}, keys)
}

func TestMilestoneScan(t *testing.T) {
	f := newScanFixture(t)
	alpha := f.waitlist("Alpha", true, nil, 1)
	boosted := f.waitlist("Boosted", true, nil, 3)

	// first referral ever: crosses the threshold of 1
	first := f.signup(alpha, now.Add(-5*day), "Ana", nil)
	f.signup(alpha, now.Add(-2*time.Hour), "", first)

	// second referral with bonus 1: no threshold, one spot
	quiet := f.signup(alpha, now.Add(-5*day), "", nil)
	f.signup(alpha, now.Add(-3*day), "", quiet)
	f.signup(alpha, now.Add(-time.Hour), "", quiet)

	// second referral with bonus 3: no threshold, three spots
	big := f.signup(boosted, now.Add(-5*day), "Bo", nil)
	f.signup(boosted, now.Add(-3*day), "", big)
	f.signup(boosted, now.Add(-30*time.Minute), "", big)

	report := f.run(ScanMilestones, now)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Notified)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Errors)

	byKey := make(map[string]*db.Notification)
	for _, n := range f.notifications(db.NotificationMilestone) {
		byKey[n.DedupKey] = n
	}
	require.Len(t, byKey, 2)

	n := byKey["milestone:"+first.ID.String()]
	require.NotNil(t, n)
	assert.Equal(t, first.Email, n.Recipient)
	assert.Equal(t, `You moved up 1 spot on "Alpha"!`, n.Subject)
	assert.Contains(t, n.Body, "Great news, Ana!")
	assert.Contains(t, n.Body, "Total referrals: 1")
	require.NotNil(t, n.SubscriberID)
	assert.Equal(t, first.ID, *n.SubscriberID)

	n = byKey["milestone:"+big.ID.String()]
	require.NotNil(t, n)
	assert.Equal(t, `You moved up 3 spots on "Boosted"!`, n.Subject)

	// a second scan in the same window does not repeat either message
	again := f.run(ScanMilestones, now.Add(time.Hour))
	assert.Equal(t, 0, again.Notified)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, f.notifications(db.NotificationMilestone), 2)
}

func TestMilestoneScan_GroupsRecentReferrals(t *testing.T) {
	f := newScanFixture(t)
	wl := f.waitlist("Alpha", true, nil, 1)

	referrer := f.signup(wl, now.Add(-2*day), "", nil)
	for i := 0; i < 3; i++ {
		f.signup(wl, now.Add(-time.Duration(i+1)*time.Hour), "", referrer)
	}

	report := f.run(ScanMilestones, now)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Notified)

	notes := f.notifications(db.NotificationMilestone)
	require.Len(t, notes, 1)
	assert.Equal(t, `You moved up 3 spots on "Alpha"!`, notes[0].Subject)
	assert.Contains(t, notes[0].Body, "Great news, there!")
	assert.Contains(t, notes[0].Body, "3 friends joined")
}

func TestCrossedThreshold(t *testing.T) {
	tests := []struct {
		total, recent int
		want          int
		crossed       bool
	}{
		{0, 0, 0, false},
		{1, 1, 1, true},
		{2, 1, 0, false},
		{3, 2, 3, true},
		{5, 5, 1, true},
		{10, 1, 10, true},
		{26, 3, 25, true},
		{100, 1, 100, true},
		{101, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.total, tt.recent), func(t *testing.T) {
			got, crossed := CrossedThreshold(tt.total, tt.recent)
			assert.Equal(t, tt.crossed, crossed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDaysLeft(t *testing.T) {
	assert.Equal(t, 7, DaysLeft(7*day))
	assert.Equal(t, 3, DaysLeft(60*time.Hour))
	assert.Equal(t, 2, DaysLeft(day+time.Minute))
	assert.Equal(t, 1, DaysLeft(time.Hour))
}

type flakyDigester struct {
	inner  Digester
	failID uuid.UUID
}

func (d flakyDigester) Digest(ctx context.Context, id uuid.UUID, at time.Time) (*analytics.Digest, error) {
	if id == d.failID {
		return nil, errors.New("connection reset")
	}
	return d.inner.Digest(ctx, id, at)
}

func TestWeeklyDigest_CollectsPerWaitlistErrors(t *testing.T) {
	f := newScanFixture(t)
	bad := f.waitlist("Bad", true, nil, 1)
	f.waitlist("Good", true, nil, 1)

	f.scanner = NewScanner(f.store, flakyDigester{inner: analytics.NewAggregator(f.store), failID: bad.ID}, zap.NewNop())

	report := f.run(ScanDigest, now)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Notified)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], bad.ID.String())
	assert.Contains(t, report.Errors[0], "connection reset")
}

type brokenStore struct {
	*db.MemoryStore
}

func (brokenStore) ListActiveWaitlists(context.Context) ([]*db.Waitlist, error) {
	return nil, errors.New("pool closed")
}

func TestScanner_ListFailureAbortsScan(t *testing.T) {
	store := brokenStore{db.NewMemoryStore()}
	s := NewScanner(store, analytics.NewAggregator(store.MemoryStore), zap.NewNop())

	_, err := s.Run(context.Background(), ScanDigest, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool closed")
}

func TestScanner_UnknownScan(t *testing.T) {
	s := NewScanner(db.NewMemoryStore(), nil, zap.NewNop())

	_, err := s.Run(context.Background(), "weekly", now)
	assert.ErrorIs(t, err, ErrUnknownScan)
}
