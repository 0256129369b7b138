package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/waitlistq/internal/db"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type seeder struct {
	t     *testing.T
	store *db.MemoryStore
	wl    *db.Waitlist
	n     int
}

func newSeeder(t *testing.T) *seeder {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryStore()
	owner := &db.Owner{ID: uuid.New(), Email: "owner@example.com", Plan: db.PlanFree}
	require.NoError(t, store.CreateOwner(ctx, owner))
	wl := &db.Waitlist{ID: uuid.New(), OwnerID: owner.ID, Name: "Stats", Slug: "stats-abcd", IsActive: true, ReferralBonus: 1}
	require.NoError(t, store.CreateWaitlist(ctx, wl))
	return &seeder{t: t, store: store, wl: wl}
}

// signup inserts a subscriber stamped at the given time, optionally referred by referrer
func (s *seeder) signup(at time.Time, name *string, referrer *db.Subscriber) *db.Subscriber {
	s.t.Helper()
	s.store.SetClock(func() time.Time { return at })
	s.n++
	sub := &db.Subscriber{
		ID:           uuid.New(),
		WaitlistID:   s.wl.ID,
		Email:        fmt.Sprintf("user%d@example.com", s.n),
		Name:         name,
		ReferralCode: fmt.Sprintf("code%04d", s.n),
		Status:       db.SubscriberStatusWaiting,
	}
	err := s.store.WithTx(context.Background(), func(tx db.Tx) error {
		pos, err := tx.NextPosition(context.Background(), s.wl.ID)
		if err != nil {
			return err
		}
		sub.Position = pos
		if referrer != nil {
			sub.ReferredBy = &referrer.ID
		}
		if err := tx.InsertSubscriber(context.Background(), sub); err != nil {
			return err
		}
		if referrer != nil {
			if _, _, err := tx.CreditReferral(context.Background(), s.wl.ID, referrer.ID, 1); err != nil {
				return err
			}
			return tx.InsertReferralEvent(context.Background(), &db.ReferralEvent{
				ID: uuid.New(), WaitlistID: s.wl.ID, ReferrerID: referrer.ID, ReferredID: sub.ID,
			})
		}
		return nil
	})
	require.NoError(s.t, err)
	return sub
}

func (s *seeder) view(at time.Time) {
	s.t.Helper()
	s.store.SetClock(func() time.Time { return at })
	require.NoError(s.t, s.store.InsertAnalyticsEvent(context.Background(), &db.AnalyticsEvent{
		ID: uuid.New(), WaitlistID: s.wl.ID, EventType: db.EventView,
	}))
}

func TestStats_Windows(t *testing.T) {
	s := newSeeder(t)

	s.signup(now.Add(-40*day), nil, nil)            // outside every window
	s.signup(now.Add(-7*day), nil, nil)             // weekly lower bound is inclusive
	s.signup(now.Add(-3*day), nil, nil)             // weekly only
	s.signup(now.Add(-day), nil, nil)               // daily lower bound is inclusive
	s.signup(now.Add(-time.Hour), nil, nil)         // daily
	s.signup(now, nil, nil)                         // "now" is excluded from windows
	s.signup(now.Add(-7*day-time.Second), nil, nil) // just before the weekly window

	stats, err := NewAggregator(s.store).Stats(context.Background(), s.wl.ID, now)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.TotalSubscribers)
	assert.Equal(t, 4, stats.WeeklySignups)
	assert.Equal(t, 2, stats.DailySignups)
	assert.Nil(t, stats.ConversionRate)
	assert.Empty(t, stats.TopReferrers)
}

func TestStats_DailyTrend(t *testing.T) {
	s := newSeeder(t)

	s.signup(time.Date(2025, 6, 14, 23, 59, 0, 0, time.UTC), nil, nil)
	s.signup(time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC), nil, nil)
	s.signup(time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC), nil, nil)
	s.signup(now.Add(-31*day), nil, nil)

	stats, err := NewAggregator(s.store).Stats(context.Background(), s.wl.ID, now)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		"2025-06-14": 2,
		"2025-06-10": 1,
	}, stats.DailyTrend)
}

func TestStats_TopReferrers(t *testing.T) {
	s := newSeeder(t)
	alice := "Alice"

	early := s.signup(now.Add(-10*day), nil, nil)
	late := s.signup(now.Add(-9*day), &alice, nil)
	champion := s.signup(now.Add(-8*day), nil, nil)
	s.signup(now.Add(-5*day), nil, nil)

	for i := 0; i < 3; i++ {
		s.signup(now.Add(-4*day), nil, champion)
	}
	s.signup(now.Add(-3*day), nil, late)
	s.signup(now.Add(-3*day), nil, early)

	stats, err := NewAggregator(s.store).Stats(context.Background(), s.wl.ID, now)
	require.NoError(t, err)

	require.Len(t, stats.TopReferrers, 3)
	assert.Equal(t, champion.ID, stats.TopReferrers[0].ID)
	assert.Equal(t, 3, stats.TopReferrers[0].ReferralCount)
	// tie on one referral: earliest signup wins
	assert.Equal(t, early.ID, stats.TopReferrers[1].ID)
	assert.Equal(t, late.ID, stats.TopReferrers[2].ID)
	assert.Equal(t, "Alice", stats.TopReferrers[2].DisplayName())
	assert.Equal(t, early.Email, stats.TopReferrers[1].DisplayName())
	assert.Equal(t, 5, stats.TotalReferrals)

	top, err := NewAggregator(s.store).WithTopN(1).Stats(context.Background(), s.wl.ID, now)
	require.NoError(t, err)
	assert.Len(t, top.TopReferrers, 1)
}

func TestStats_ConversionRate(t *testing.T) {
	s := newSeeder(t)
	s.signup(now.Add(-time.Hour), nil, nil)
	for i := 0; i < 3; i++ {
		s.view(now.Add(-time.Hour))
	}

	stats, err := NewAggregator(s.store).Stats(context.Background(), s.wl.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalViews)
	require.NotNil(t, stats.ConversionRate)
	assert.Equal(t, 33.3, *stats.ConversionRate)
}

func TestConversionRate(t *testing.T) {
	tests := []struct {
		subscribers int
		views       int
		want        *float64
	}{
		{0, 0, nil},
		{5, 0, nil},
		{0, 10, f64(0)},
		{1, 3, f64(33.3)},
		{2, 3, f64(66.7)},
		{150, 100, f64(150)},
		{1, 8, f64(12.5)},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.subscribers, tt.views), func(t *testing.T) {
			assert.Equal(t, tt.want, ConversionRate(tt.subscribers, tt.views))
		})
	}
}

func TestDigest(t *testing.T) {
	s := newSeeder(t)
	bob := "Bob"

	ref := s.signup(now.Add(-20*day), &bob, nil)
	s.signup(now.Add(-10*day), nil, ref)
	s.signup(now.Add(-2*day), nil, ref)
	s.signup(now.Add(-day), nil, nil)

	d, err := NewAggregator(s.store).Digest(context.Background(), s.wl.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, d.NewSignups)
	assert.Equal(t, 4, d.Total)
	assert.Equal(t, 1, d.WeeklyReferrals)
	require.NotNil(t, d.TopReferrer)
	assert.Equal(t, "Bob", *d.TopReferrer)
}

func TestDigest_NoReferrers(t *testing.T) {
	s := newSeeder(t)
	s.signup(now.Add(-day), nil, nil)

	d, err := NewAggregator(s.store).Digest(context.Background(), s.wl.ID, now)
	require.NoError(t, err)
	assert.Nil(t, d.TopReferrer)
	assert.Zero(t, d.WeeklyReferrals)
}

type brokenStore struct {
	*db.MemoryStore
}

func (brokenStore) CountReferralEvents(context.Context, uuid.UUID) (int, error) {
	return 0, errors.New("boom")
}

func TestStats_PropagatesStoreErrors(t *testing.T) {
	s := newSeeder(t)

	_, err := NewAggregator(brokenStore{s.store}).Stats(context.Background(), s.wl.ID, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total referrals")
}

func f64(v float64) *float64 {
	return &v
}
