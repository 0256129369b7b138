package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPlanLimit = 100

// MemoryStore is an in-process store with the same method set and constraint
// behaviour as Repository. Transactions are serialized by a single lock and
// their writes are staged until the callback returns nil.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	owners        map[uuid.UUID]*Owner
	waitlists     map[uuid.UUID]*Waitlist
	subscribers   []*Subscriber
	referrals     []*ReferralEvent
	events        []*AnalyticsEvent
	notifications []*Notification
}

// NewMemoryStore creates an empty store stamped by the wall clock
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		owners:    make(map[uuid.UUID]*Owner),
		waitlists: make(map[uuid.UUID]*Waitlist),
	}
}

// SetClock replaces the clock used for created_at stamps
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) stamp() time.Time {
	return m.now().UTC()
}

func copySubscriber(s *Subscriber) *Subscriber {
	c := *s
	return &c
}

func (m *MemoryStore) withOwner(w *Waitlist) *Waitlist {
	c := *w
	c.PlanLimit = defaultPlanLimit
	if o, ok := m.owners[w.OwnerID]; ok {
		c.PlanLimit = o.PlanLimit
		c.OwnerEmail = o.Email
		c.OwnerFullName = o.FullName
	}
	return &c
}

// CreateOwner inserts an owner. A zero PlanLimit becomes the default of 100.
func (m *MemoryStore) CreateOwner(_ context.Context, owner *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner.PlanLimit == 0 {
		owner.PlanLimit = defaultPlanLimit
	}
	owner.CreatedAt = m.stamp()
	c := *owner
	m.owners[owner.ID] = &c
	return nil
}

// GetOwner retrieves an owner by ID
func (m *MemoryStore) GetOwner(_ context.Context, id uuid.UUID) (*Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

// CreateWaitlist inserts a waitlist, enforcing slug uniqueness
func (m *MemoryStore) CreateWaitlist(_ context.Context, w *Waitlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[w.OwnerID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.waitlists {
		if existing.Slug == w.Slug {
			return ErrDuplicateSlug
		}
	}
	if w.ReferralBonus == 0 {
		w.ReferralBonus = 1
	}
	w.CreatedAt = m.stamp()
	w.UpdatedAt = w.CreatedAt
	c := *w
	m.waitlists[w.ID] = &c
	return nil
}

// GetWaitlist retrieves a waitlist by ID
func (m *MemoryStore) GetWaitlist(_ context.Context, id uuid.UUID) (*Waitlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waitlists[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withOwner(w), nil
}

// GetWaitlistBySlug retrieves a waitlist by slug
func (m *MemoryStore) GetWaitlistBySlug(_ context.Context, slug string) (*Waitlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.waitlists {
		if w.Slug == slug {
			return m.withOwner(w), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) sortedWaitlists(keep func(*Waitlist) bool) []*Waitlist {
	var out []*Waitlist
	for _, w := range m.waitlists {
		if keep(w) {
			out = append(out, m.withOwner(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Slug < out[j].Slug
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListWaitlistsByOwner returns the owner's waitlists newest first with subscriber counts
func (m *MemoryStore) ListWaitlistsByOwner(_ context.Context, ownerID uuid.UUID) ([]*WaitlistSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.sortedWaitlists(func(w *Waitlist) bool { return w.OwnerID == ownerID })
	summaries := make([]*WaitlistSummary, 0, len(owned))
	for i := len(owned) - 1; i >= 0; i-- {
		summaries = append(summaries, &WaitlistSummary{
			Waitlist:        *owned[i],
			SubscriberCount: m.countSubscribers(owned[i].ID),
		})
	}
	return summaries, nil
}

// ListActiveWaitlists returns every active waitlist
func (m *MemoryStore) ListActiveWaitlists(_ context.Context) ([]*Waitlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedWaitlists(func(w *Waitlist) bool { return w.IsActive }), nil
}

// ListClosingWaitlists returns active waitlists whose closes_at falls in (after, until]
func (m *MemoryStore) ListClosingWaitlists(_ context.Context, after, until time.Time) ([]*Waitlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sortedWaitlists(func(w *Waitlist) bool {
		return w.IsActive && w.ClosesAt != nil && w.ClosesAt.After(after) && !w.ClosesAt.After(until)
	}), nil
}

// UpdateWaitlist applies a patch and returns the updated row
func (m *MemoryStore) UpdateWaitlist(_ context.Context, id uuid.UUID, patch WaitlistPatch) (*Waitlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waitlists[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.Description != nil {
		w.Description = patch.Description
	}
	if patch.IsActive != nil {
		w.IsActive = *patch.IsActive
	}
	if patch.ClearClosesAt {
		w.ClosesAt = nil
	} else if patch.ClosesAt != nil {
		t := *patch.ClosesAt
		w.ClosesAt = &t
	}
	if patch.ReferralBonus != nil {
		w.ReferralBonus = *patch.ReferralBonus
	}
	w.UpdatedAt = m.stamp()
	return m.withOwner(w), nil
}

func (m *MemoryStore) findSubscriber(match func(*Subscriber) bool) *Subscriber {
	for _, s := range m.subscribers {
		if match(s) {
			return s
		}
	}
	return nil
}

// GetSubscriber retrieves a subscriber by ID
func (m *MemoryStore) GetSubscriber(_ context.Context, id uuid.UUID) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findSubscriber(func(s *Subscriber) bool { return s.ID == id })
	if s == nil {
		return nil, ErrNotFound
	}
	return copySubscriber(s), nil
}

// GetSubscriberByEmail looks up a subscriber by (waitlist, email)
func (m *MemoryStore) GetSubscriberByEmail(_ context.Context, waitlistID uuid.UUID, email string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findSubscriber(func(s *Subscriber) bool { return s.WaitlistID == waitlistID && s.Email == email })
	if s == nil {
		return nil, ErrNotFound
	}
	return copySubscriber(s), nil
}

// FindSubscriberByCode resolves a referral code within one waitlist
func (m *MemoryStore) FindSubscriberByCode(_ context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findByCode(waitlistID, code)
}

func (m *MemoryStore) findByCode(waitlistID uuid.UUID, code string) (*Subscriber, error) {
	s := m.findSubscriber(func(s *Subscriber) bool { return s.WaitlistID == waitlistID && s.ReferralCode == code })
	if s == nil {
		return nil, ErrNotFound
	}
	return copySubscriber(s), nil
}

func (m *MemoryStore) countSubscribers(waitlistID uuid.UUID) int {
	n := 0
	for _, s := range m.subscribers {
		if s.WaitlistID == waitlistID {
			n++
		}
	}
	return n
}

// CountSubscribers returns the number of subscribers in a waitlist
func (m *MemoryStore) CountSubscribers(_ context.Context, waitlistID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.countSubscribers(waitlistID), nil
}

func inWindow(t, from, until time.Time) bool {
	return !t.Before(from) && t.Before(until)
}

// CountSubscribersBetween counts signups with from <= created_at < until
func (m *MemoryStore) CountSubscribersBetween(_ context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.subscribers {
		if s.WaitlistID == waitlistID && inWindow(s.CreatedAt, from, until) {
			n++
		}
	}
	return n, nil
}

// TopReferrers returns subscribers with at least one referral, most referrals first
func (m *MemoryStore) TopReferrers(_ context.Context, waitlistID uuid.UUID, limit int) ([]*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subscriber
	for _, s := range m.subscribers {
		if s.WaitlistID == waitlistID && s.ReferralCount > 0 {
			out = append(out, copySubscriber(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReferralCount != out[j].ReferralCount {
			return out[i].ReferralCount > out[j].ReferralCount
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Position < out[j].Position
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSubscribersRanked returns the whole waitlist by priority_score desc, position asc
func (m *MemoryStore) ListSubscribersRanked(_ context.Context, waitlistID uuid.UUID) ([]*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subscriber
	for _, s := range m.subscribers {
		if s.WaitlistID == waitlistID {
			out = append(out, copySubscriber(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// SignupTimes returns created_at for every signup in [from, until), oldest first
func (m *MemoryStore) SignupTimes(_ context.Context, waitlistID uuid.UUID, from, until time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var times []time.Time
	for _, s := range m.subscribers {
		if s.WaitlistID == waitlistID && inWindow(s.CreatedAt, from, until) {
			times = append(times, s.CreatedAt)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times, nil
}

// InsertAnalyticsEvent appends an event outside of a join transaction
func (m *MemoryStore) InsertAnalyticsEvent(_ context.Context, ev *AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.waitlists[ev.WaitlistID]; !ok {
		return ErrNotFound
	}
	ev.CreatedAt = m.stamp()
	c := *ev
	m.events = append(m.events, &c)
	return nil
}

// CountAnalyticsEvents counts events of one type for a waitlist
func (m *MemoryStore) CountAnalyticsEvents(_ context.Context, waitlistID uuid.UUID, eventType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ev := range m.events {
		if ev.WaitlistID == waitlistID && ev.EventType == eventType {
			n++
		}
	}
	return n, nil
}

// CountReferralEvents counts every credited referral for a waitlist
func (m *MemoryStore) CountReferralEvents(_ context.Context, waitlistID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ev := range m.referrals {
		if ev.WaitlistID == waitlistID {
			n++
		}
	}
	return n, nil
}

// CountReferralEventsBetween counts referrals with from <= created_at < until
func (m *MemoryStore) CountReferralEventsBetween(_ context.Context, waitlistID uuid.UUID, from, until time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ev := range m.referrals {
		if ev.WaitlistID == waitlistID && inWindow(ev.CreatedAt, from, until) {
			n++
		}
	}
	return n, nil
}

// ListReferralEventsSince returns referral events at or after since with waitlist name and bonus
func (m *MemoryStore) ListReferralEventsSince(_ context.Context, since time.Time) ([]*ReferralEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ReferralEvent
	for _, ev := range m.referrals {
		if ev.CreatedAt.Before(since) {
			continue
		}
		c := *ev
		if w, ok := m.waitlists[ev.WaitlistID]; ok {
			c.WaitlistName = w.Name
			c.ReferralBonus = w.ReferralBonus
		}
		out = append(out, &c)
	}
	return out, nil
}

// CreateNotification stores a notification record
func (m *MemoryStore) CreateNotification(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	notif.CreatedAt = m.stamp()
	notif.UpdatedAt = notif.CreatedAt
	c := *notif
	m.notifications = append(m.notifications, &c)
	return nil
}

// HasNotificationSince reports whether a notification with this dedup key exists at or after since
func (m *MemoryStore) HasNotificationSince(_ context.Context, dedupKey string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.DedupKey == dedupKey && !n.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// GetPendingNotifications returns pending notifications that are due, oldest first
func (m *MemoryStore) GetPendingNotifications(_ context.Context, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.stamp()
	var out []*Notification
	for _, n := range m.notifications {
		if n.Status != StatusPending {
			continue
		}
		if n.NextRetryAt != nil && n.NextRetryAt.After(now) {
			continue
		}
		c := *n
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateNotificationStatus records a delivery attempt
func (m *MemoryStore) UpdateNotificationStatus(_ context.Context, id uuid.UUID, status string, attempt int, lastError *string, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.ID == id {
			n.Status = status
			n.Attempt = attempt
			n.LastError = lastError
			n.NextRetryAt = nextRetryAt
			n.UpdatedAt = m.stamp()
			return nil
		}
	}
	return ErrNotFound
}

// Notifications returns a snapshot of every stored notification
func (m *MemoryStore) Notifications() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		c := *n
		out = append(out, &c)
	}
	return out
}

// ReferralEvents returns a snapshot of every stored referral event
func (m *MemoryStore) ReferralEvents() []*ReferralEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ReferralEvent, 0, len(m.referrals))
	for _, ev := range m.referrals {
		c := *ev
		out = append(out, &c)
	}
	return out
}

// AnalyticsEvents returns a snapshot of every stored analytics event
func (m *MemoryStore) AnalyticsEvents() []*AnalyticsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*AnalyticsEvent, 0, len(m.events))
	for _, ev := range m.events {
		c := *ev
		out = append(out, &c)
	}
	return out
}

// WithTx runs fn with exclusive access to the store. Staged writes are applied
// only when fn returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:         m,
		positions: make(map[uuid.UUID]int),
		credits:   make(map[uuid.UUID]int),
		bonuses:   make(map[uuid.UUID]int),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type memTx struct {
	m         *MemoryStore
	positions map[uuid.UUID]int
	subs      []*Subscriber
	credits   map[uuid.UUID]int
	bonuses   map[uuid.UUID]int
	referrals []*ReferralEvent
	events    []*AnalyticsEvent
}

func (t *memTx) NextPosition(_ context.Context, waitlistID uuid.UUID) (int, error) {
	w, ok := t.m.waitlists[waitlistID]
	if !ok {
		return 0, ErrNotFound
	}
	pos, staged := t.positions[waitlistID]
	if !staged {
		pos = w.LastPosition
	}
	pos++
	t.positions[waitlistID] = pos
	return pos, nil
}

func (t *memTx) lookup(match func(*Subscriber) bool) *Subscriber {
	if s := t.m.findSubscriber(match); s != nil {
		return s
	}
	for _, s := range t.subs {
		if match(s) {
			return s
		}
	}
	return nil
}

func (t *memTx) FindSubscriberByCode(_ context.Context, waitlistID uuid.UUID, code string) (*Subscriber, error) {
	s := t.lookup(func(s *Subscriber) bool { return s.WaitlistID == waitlistID && s.ReferralCode == code })
	if s == nil {
		return nil, ErrNotFound
	}
	return copySubscriber(s), nil
}

func (t *memTx) InsertSubscriber(_ context.Context, sub *Subscriber) error {
	if _, ok := t.m.waitlists[sub.WaitlistID]; !ok {
		return ErrNotFound
	}
	if t.lookup(func(s *Subscriber) bool { return s.WaitlistID == sub.WaitlistID && s.Email == sub.Email }) != nil {
		return ErrDuplicateEmail
	}
	if t.lookup(func(s *Subscriber) bool { return s.WaitlistID == sub.WaitlistID && s.Position == sub.Position }) != nil {
		return ErrDuplicatePosition
	}
	if t.lookup(func(s *Subscriber) bool { return s.ReferralCode == sub.ReferralCode }) != nil {
		return ErrDuplicateReferralCode
	}
	if sub.ReferredBy != nil {
		ref := t.lookup(func(s *Subscriber) bool { return s.ID == *sub.ReferredBy })
		if ref == nil || ref.WaitlistID != sub.WaitlistID {
			return ErrNotFound
		}
	}
	sub.CreatedAt = t.m.stamp()
	t.subs = append(t.subs, copySubscriber(sub))
	return nil
}

func (t *memTx) CreditReferral(_ context.Context, waitlistID, referrerID uuid.UUID, bonus int) (int, int, error) {
	ref := t.lookup(func(s *Subscriber) bool { return s.ID == referrerID && s.WaitlistID == waitlistID })
	if ref == nil {
		return 0, 0, ErrNotFound
	}
	t.credits[referrerID]++
	t.bonuses[referrerID] += bonus
	return ref.ReferralCount + t.credits[referrerID], ref.PriorityScore + t.bonuses[referrerID], nil
}

func (t *memTx) InsertReferralEvent(_ context.Context, ev *ReferralEvent) error {
	for _, list := range [][]*ReferralEvent{t.m.referrals, t.referrals} {
		for _, existing := range list {
			if existing.ReferredID == ev.ReferredID {
				return ErrDuplicateReferral
			}
		}
	}
	ev.CreatedAt = t.m.stamp()
	c := *ev
	t.referrals = append(t.referrals, &c)
	return nil
}

func (t *memTx) InsertAnalyticsEvent(_ context.Context, ev *AnalyticsEvent) error {
	if _, ok := t.m.waitlists[ev.WaitlistID]; !ok {
		return ErrNotFound
	}
	ev.CreatedAt = t.m.stamp()
	c := *ev
	t.events = append(t.events, &c)
	return nil
}

func (t *memTx) apply() {
	m := t.m
	for id, pos := range t.positions {
		m.waitlists[id].LastPosition = pos
	}
	m.subscribers = append(m.subscribers, t.subs...)
	for id, n := range t.credits {
		s := m.findSubscriber(func(s *Subscriber) bool { return s.ID == id })
		s.ReferralCount += n
		s.PriorityScore += t.bonuses[id]
	}
	m.referrals = append(m.referrals, t.referrals...)
	m.events = append(m.events, t.events...)
}
