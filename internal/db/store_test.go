package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractStore is the surface both Repository and MemoryStore must agree on.
type contractStore interface {
	CreateOwner(ctx context.Context, owner *Owner) error
	GetOwner(ctx context.Context, id uuid.UUID) (*Owner, error)
	CreateWaitlist(ctx context.Context, w *Waitlist) error
	GetWaitlist(ctx context.Context, id uuid.UUID) (*Waitlist, error)
	GetWaitlistBySlug(ctx context.Context, slug string) (*Waitlist, error)
	ListWaitlistsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*WaitlistSummary, error)
	UpdateWaitlist(ctx context.Context, id uuid.UUID, patch WaitlistPatch) (*Waitlist, error)
	WithTx(ctx context.Context, fn func(Tx) error) error
	GetSubscriberByEmail(ctx context.Context, waitlistID uuid.UUID, email string) (*Subscriber, error)
	FindSubscriberByCode(ctx context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error)
	CountSubscribers(ctx context.Context, waitlistID uuid.UUID) (int, error)
	TopReferrers(ctx context.Context, waitlistID uuid.UUID, limit int) ([]*Subscriber, error)
	ListSubscribersRanked(ctx context.Context, waitlistID uuid.UUID) ([]*Subscriber, error)
	InsertAnalyticsEvent(ctx context.Context, ev *AnalyticsEvent) error
	CountAnalyticsEvents(ctx context.Context, waitlistID uuid.UUID, eventType string) (int, error)
	CountReferralEvents(ctx context.Context, waitlistID uuid.UUID) (int, error)
	ListReferralEventsSince(ctx context.Context, since time.Time) ([]*ReferralEvent, error)
	CreateNotification(ctx context.Context, notif *Notification) error
	HasNotificationSince(ctx context.Context, dedupKey string, since time.Time) (bool, error)
	GetPendingNotifications(ctx context.Context, limit int) ([]*Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, lastError *string, nextRetryAt *time.Time) error
}

var (
	_ contractStore = (*Repository)(nil)
	_ contractStore = (*MemoryStore)(nil)
)

// runStoreContract exercises behaviour that must not differ between backends.
// Every test creates its own owner and waitlist so a shared database works.
func runStoreContract(t *testing.T, newStore func(t *testing.T) contractStore) {
	t.Run("owner and waitlist", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		owner := seedOwner(t, s)
		got, err := s.GetOwner(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.PlanLimit)

		w := seedWaitlist(t, s, owner.ID)
		assert.Equal(t, 1, w.ReferralBonus)

		bySlug, err := s.GetWaitlistBySlug(ctx, w.Slug)
		require.NoError(t, err)
		assert.Equal(t, w.ID, bySlug.ID)
		assert.Equal(t, 100, bySlug.PlanLimit)
		assert.Equal(t, owner.Email, bySlug.OwnerEmail)

		dup := &Waitlist{ID: uuid.New(), OwnerID: owner.ID, Name: "Other", Slug: w.Slug, IsActive: true}
		assert.ErrorIs(t, s.CreateWaitlist(ctx, dup), ErrDuplicateSlug)

		_, err = s.GetWaitlist(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetOwner(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update waitlist", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)

		name := "Renamed"
		bonus := 3
		closes := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
		got, err := s.UpdateWaitlist(ctx, w.ID, WaitlistPatch{Name: &name, ReferralBonus: &bonus, ClosesAt: &closes})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, 3, got.ReferralBonus)
		require.NotNil(t, got.ClosesAt)
		assert.True(t, got.ClosesAt.Equal(closes))

		got, err = s.UpdateWaitlist(ctx, w.ID, WaitlistPatch{ClearClosesAt: true})
		require.NoError(t, err)
		assert.Nil(t, got.ClosesAt)
		assert.Equal(t, "Renamed", got.Name)

		_, err = s.UpdateWaitlist(ctx, uuid.New(), WaitlistPatch{Name: &name})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list waitlists by owner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)
		seedSubscriber(t, s, w.ID, "a@example.com", nil)
		seedSubscriber(t, s, w.ID, "b@example.com", nil)

		list, err := s.ListWaitlistsByOwner(ctx, owner.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, w.ID, list[0].ID)
		assert.Equal(t, 2, list[0].SubscriberCount)
	})

	t.Run("join allocates positions and credits referrer", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)

		first := seedSubscriber(t, s, w.ID, "first@example.com", nil)
		second := seedSubscriber(t, s, w.ID, "second@example.com", first)
		assert.Equal(t, 1, first.Position)
		assert.Equal(t, 2, second.Position)

		got, err := s.GetSubscriberByEmail(ctx, w.ID, "first@example.com")
		require.NoError(t, err)
		assert.Equal(t, 1, got.ReferralCount)
		assert.Equal(t, 1, got.PriorityScore)

		byCode, err := s.FindSubscriberByCode(ctx, w.ID, second.ReferralCode)
		require.NoError(t, err)
		require.NotNil(t, byCode.ReferredBy)
		assert.Equal(t, first.ID, *byCode.ReferredBy)

		n, err := s.CountReferralEvents(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		total, err := s.CountSubscribers(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("failed transaction leaves nothing behind", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)
		seedSubscriber(t, s, w.ID, "taken@example.com", nil)

		err := s.WithTx(ctx, func(tx Tx) error {
			pos, err := tx.NextPosition(ctx, w.ID)
			if err != nil {
				return err
			}
			return tx.InsertSubscriber(ctx, newSubscriber(w.ID, "taken@example.com", pos, nil))
		})
		assert.ErrorIs(t, err, ErrDuplicateEmail)

		// the position bump rolled back with the insert
		next := seedSubscriber(t, s, w.ID, "next@example.com", nil)
		assert.Equal(t, 2, next.Position)
	})

	t.Run("duplicate position and referral", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)
		ref := seedSubscriber(t, s, w.ID, "ref@example.com", nil)
		joined := seedSubscriber(t, s, w.ID, "joined@example.com", ref)

		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertSubscriber(ctx, newSubscriber(w.ID, "clash@example.com", 1, nil))
		})
		assert.ErrorIs(t, err, ErrDuplicatePosition)

		err = s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertReferralEvent(ctx, &ReferralEvent{
				ID: uuid.New(), WaitlistID: w.ID, ReferrerID: ref.ID, ReferredID: joined.ID,
			})
		})
		assert.ErrorIs(t, err, ErrDuplicateReferral)
	})

	t.Run("referrer from another waitlist is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		a := seedWaitlist(t, s, owner.ID)
		b := seedWaitlist(t, s, owner.ID)
		foreign := seedSubscriber(t, s, a.ID, "foreign@example.com", nil)

		err := s.WithTx(ctx, func(tx Tx) error {
			pos, err := tx.NextPosition(ctx, b.ID)
			if err != nil {
				return err
			}
			return tx.InsertSubscriber(ctx, newSubscriber(b.ID, "x@example.com", pos, &foreign.ID))
		})
		assert.Error(t, err)

		n, err := s.CountSubscribers(ctx, b.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ranking", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)

		a := seedSubscriber(t, s, w.ID, "a@example.com", nil)
		b := seedSubscriber(t, s, w.ID, "b@example.com", nil)
		c := seedSubscriber(t, s, w.ID, "c@example.com", b)
		seedSubscriber(t, s, w.ID, "d@example.com", b)
		seedSubscriber(t, s, w.ID, "e@example.com", a)

		ranked, err := s.ListSubscribersRanked(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, ranked, 5)
		assert.Equal(t, b.ID, ranked[0].ID, "two referrals ranks first")
		assert.Equal(t, a.ID, ranked[1].ID)
		assert.Equal(t, c.ID, ranked[2].ID, "ties keep join order")

		top, err := s.TopReferrers(ctx, w.ID, 10)
		require.NoError(t, err)
		require.Len(t, top, 2, "subscribers without referrals are not referrers")
		assert.Equal(t, b.ID, top[0].ID)
		assert.Equal(t, 2, top[0].ReferralCount)
		assert.Equal(t, a.ID, top[1].ID)

		top, err = s.TopReferrers(ctx, w.ID, 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)
	})

	t.Run("analytics and referral events", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		w := seedWaitlist(t, s, owner.ID)
		since := time.Now().UTC().Add(-time.Hour)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.InsertAnalyticsEvent(ctx, &AnalyticsEvent{ID: uuid.New(), WaitlistID: w.ID, EventType: EventView}))
		}
		views, err := s.CountAnalyticsEvents(ctx, w.ID, EventView)
		require.NoError(t, err)
		assert.Equal(t, 3, views)

		ref := seedSubscriber(t, s, w.ID, "ref@example.com", nil)
		seedSubscriber(t, s, w.ID, "friend@example.com", ref)

		events, err := s.ListReferralEventsSince(ctx, since)
		require.NoError(t, err)
		var mine []*ReferralEvent
		for _, ev := range events {
			if ev.WaitlistID == w.ID {
				mine = append(mine, ev)
			}
		}
		require.Len(t, mine, 1)
		assert.Equal(t, ref.ID, mine[0].ReferrerID)
		assert.Equal(t, w.Name, mine[0].WaitlistName)
		assert.Equal(t, 1, mine[0].ReferralBonus)
	})

	t.Run("notifications", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		owner := seedOwner(t, s)
		key := "digest:" + uuid.NewString()
		since := time.Now().UTC().Add(-time.Hour)

		has, err := s.HasNotificationSince(ctx, key, since)
		require.NoError(t, err)
		assert.False(t, has)

		due := seedNotification(t, s, owner.ID, key, nil)
		later := time.Now().UTC().Add(time.Hour)
		deferred := seedNotification(t, s, owner.ID, "digest:"+uuid.NewString(), &later)

		has, err = s.HasNotificationSince(ctx, key, since)
		require.NoError(t, err)
		assert.True(t, has)

		pending, err := s.GetPendingNotifications(ctx, 1000)
		require.NoError(t, err)
		ids := notificationIDs(pending)
		assert.Contains(t, ids, due.ID)
		assert.NotContains(t, ids, deferred.ID, "retry not due yet")

		require.NoError(t, s.UpdateNotificationStatus(ctx, due.ID, StatusSent, 1, nil, nil))
		pending, err = s.GetPendingNotifications(ctx, 1000)
		require.NoError(t, err)
		assert.NotContains(t, notificationIDs(pending), due.ID)

		err = s.UpdateNotificationStatus(ctx, uuid.New(), StatusSent, 1, nil, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func seedOwner(t *testing.T, s contractStore) *Owner {
	t.Helper()
	owner := &Owner{ID: uuid.New(), Email: uuid.NewString() + "@owner.test", Plan: PlanFree}
	require.NoError(t, s.CreateOwner(context.Background(), owner))
	return owner
}

func seedWaitlist(t *testing.T, s contractStore, ownerID uuid.UUID) *Waitlist {
	t.Helper()
	w := &Waitlist{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Name:     "Launch",
		Slug:     "launch-" + uuid.NewString()[:8],
		IsActive: true,
	}
	require.NoError(t, s.CreateWaitlist(context.Background(), w))
	return w
}

func newSubscriber(waitlistID uuid.UUID, email string, pos int, referredBy *uuid.UUID) *Subscriber {
	return &Subscriber{
		ID:           uuid.New(),
		WaitlistID:   waitlistID,
		Email:        email,
		ReferralCode: uuid.NewString()[:12],
		ReferredBy:   referredBy,
		Position:     pos,
		Status:       SubscriberStatusWaiting,
	}
}

// seedSubscriber joins email the way the waitlist service does, crediting referrer when set
func seedSubscriber(t *testing.T, s contractStore, waitlistID uuid.UUID, email string, referrer *Subscriber) *Subscriber {
	t.Helper()
	ctx := context.Background()

	var sub *Subscriber
	err := s.WithTx(ctx, func(tx Tx) error {
		pos, err := tx.NextPosition(ctx, waitlistID)
		if err != nil {
			return err
		}
		var referredBy *uuid.UUID
		if referrer != nil {
			referredBy = &referrer.ID
		}
		sub = newSubscriber(waitlistID, email, pos, referredBy)
		if err := tx.InsertSubscriber(ctx, sub); err != nil {
			return err
		}
		if referrer == nil {
			return nil
		}
		if _, _, err := tx.CreditReferral(ctx, waitlistID, referrer.ID, 1); err != nil {
			return err
		}
		return tx.InsertReferralEvent(ctx, &ReferralEvent{
			ID:         uuid.New(),
			WaitlistID: waitlistID,
			ReferrerID: referrer.ID,
			ReferredID: sub.ID,
		})
	})
	require.NoError(t, err)
	return sub
}

func seedNotification(t *testing.T, s contractStore, ownerID uuid.UUID, key string, nextRetry *time.Time) *Notification {
	t.Helper()
	n := &Notification{
		ID:          uuid.New(),
		OwnerID:     &ownerID,
		Type:        NotificationWeeklyDigest,
		DedupKey:    key,
		Recipient:   "owner@example.com",
		Subject:     "Your weekly digest",
		Body:        "3 new signups",
		Status:      StatusPending,
		NextRetryAt: nextRetry,
	}
	require.NoError(t, s.CreateNotification(context.Background(), n))
	return n
}

func notificationIDs(list []*Notification) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.ID)
	}
	return ids
}
