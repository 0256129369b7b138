// Package analytics computes waitlist rollups on demand from the store.
// Nothing is cached; every call re-reads the subscriber table and event logs.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/waitlistq/internal/db"
)

const (
	day             = 24 * time.Hour
	week            = 7 * day
	trendWindow     = 30 * day
	defaultTopN     = 10
	trendDateLayout = "2006-01-02"
)

// Store is the read surface the aggregator needs
type Store interface {
	CountSubscribers(ctx context.Context, waitlistID uuid.UUID) (int, error)
	CountSubscribersBetween(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error)
	CountReferralEvents(ctx context.Context, waitlistID uuid.UUID) (int, error)
	CountReferralEventsBetween(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error)
	CountAnalyticsEvents(ctx context.Context, waitlistID uuid.UUID, eventType string) (int, error)
	TopReferrers(ctx context.Context, waitlistID uuid.UUID, limit int) ([]*db.Subscriber, error)
	SignupTimes(ctx context.Context, waitlistID uuid.UUID, from, until time.Time) ([]time.Time, error)
}

// Referrer is one entry of the top referrers table
type Referrer struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	Name          *string   `json:"name"`
	ReferralCount int       `json:"referralCount"`
}

// DisplayName is the referrer's name, or their email when no name was given
func (r Referrer) DisplayName() string {
	if r.Name != nil && *r.Name != "" {
		return *r.Name
	}
	return r.Email
}

// Stats is the dashboard view of one waitlist
type Stats struct {
	TotalSubscribers int            `json:"totalSubscribers"`
	WeeklySignups    int            `json:"weeklySignups"`
	DailySignups     int            `json:"dailySignups"`
	TotalReferrals   int            `json:"totalReferrals"`
	TotalViews       int            `json:"totalViews"`
	ConversionRate   *float64       `json:"conversionRate"`
	TopReferrers     []Referrer     `json:"topReferrers"`
	DailyTrend       map[string]int `json:"dailyTrend"`
}

// Digest is the weekly owner summary
type Digest struct {
	NewSignups      int     `json:"newSignups"`
	Total           int     `json:"total"`
	WeeklyReferrals int     `json:"weeklyReferrals"`
	TopReferrer     *string `json:"topReferrer"`
}

// Aggregator computes rollups for a waitlist
type Aggregator struct {
	store Store
	topN  int
}

// NewAggregator creates an aggregator reporting the top 10 referrers
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, topN: defaultTopN}
}

// WithTopN overrides how many referrers Stats reports
func (a *Aggregator) WithTopN(n int) *Aggregator {
	if n > 0 {
		a.topN = n
	}
	return a
}

// Stats computes every dashboard figure as of now. Windows include their lower
// bound and exclude now.
func (a *Aggregator) Stats(ctx context.Context, waitlistID uuid.UUID, now time.Time) (*Stats, error) {
	now = now.UTC()
	var (
		s          Stats
		top        []*db.Subscriber
		trendTimes []time.Time
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.TotalSubscribers, err = a.store.CountSubscribers(ctx, waitlistID)
		return wrap("total subscribers", err)
	})
	g.Go(func() (err error) {
		s.WeeklySignups, err = a.store.CountSubscribersBetween(ctx, waitlistID, now.Add(-week), now)
		return wrap("weekly signups", err)
	})
	g.Go(func() (err error) {
		s.DailySignups, err = a.store.CountSubscribersBetween(ctx, waitlistID, now.Add(-day), now)
		return wrap("daily signups", err)
	})
	g.Go(func() (err error) {
		s.TotalReferrals, err = a.store.CountReferralEvents(ctx, waitlistID)
		return wrap("total referrals", err)
	})
	g.Go(func() (err error) {
		s.TotalViews, err = a.store.CountAnalyticsEvents(ctx, waitlistID, db.EventView)
		return wrap("total views", err)
	})
	g.Go(func() (err error) {
		top, err = a.store.TopReferrers(ctx, waitlistID, a.topN)
		return wrap("top referrers", err)
	})
	g.Go(func() (err error) {
		trendTimes, err = a.store.SignupTimes(ctx, waitlistID, now.Add(-trendWindow), now)
		return wrap("signup trend", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.ConversionRate = ConversionRate(s.TotalSubscribers, s.TotalViews)
	s.TopReferrers = toReferrers(top)
	s.DailyTrend = DailyTrend(trendTimes)
	return &s, nil
}

// Digest computes the weekly owner summary as of now
func (a *Aggregator) Digest(ctx context.Context, waitlistID uuid.UUID, now time.Time) (*Digest, error) {
	now = now.UTC()
	var (
		d   Digest
		top []*db.Subscriber
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.NewSignups, err = a.store.CountSubscribersBetween(ctx, waitlistID, now.Add(-week), now)
		return wrap("weekly signups", err)
	})
	g.Go(func() (err error) {
		d.Total, err = a.store.CountSubscribers(ctx, waitlistID)
		return wrap("total subscribers", err)
	})
	g.Go(func() (err error) {
		d.WeeklyReferrals, err = a.store.CountReferralEventsBetween(ctx, waitlistID, now.Add(-week), now)
		return wrap("weekly referrals", err)
	})
	g.Go(func() (err error) {
		top, err = a.store.TopReferrers(ctx, waitlistID, 1)
		return wrap("top referrer", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if refs := toReferrers(top); len(refs) > 0 {
		name := refs[0].DisplayName()
		d.TopReferrer = &name
	}
	return &d, nil
}

// ConversionRate is subscribers per hundred views rounded to one decimal, nil without views
func ConversionRate(subscribers, views int) *float64 {
	if views <= 0 {
		return nil
	}
	rate := math.Round(float64(subscribers)/float64(views)*1000) / 10
	return &rate
}

// DailyTrend buckets timestamps by UTC calendar day. Days without signups are absent.
func DailyTrend(times []time.Time) map[string]int {
	trend := make(map[string]int)
	for _, t := range times {
		trend[t.UTC().Format(trendDateLayout)]++
	}
	return trend
}

func toReferrers(subs []*db.Subscriber) []Referrer {
	refs := make([]Referrer, 0, len(subs))
	for _, s := range subs {
		refs = append(refs, Referrer{
			ID:            s.ID,
			Email:         s.Email,
			Name:          s.Name,
			ReferralCount: s.ReferralCount,
		})
	}
	return refs
}

func wrap(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
