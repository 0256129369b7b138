// Package waitlist implements the signup engine: joins, referral attribution,
// and the owner-facing waitlist operations built on the same store.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/db"
)

// Store is the persistence surface used by the service
type Store interface {
	WithTx(ctx context.Context, fn func(db.Tx) error) error

	GetOwner(ctx context.Context, id uuid.UUID) (*db.Owner, error)
	CreateWaitlist(ctx context.Context, w *db.Waitlist) error
	GetWaitlist(ctx context.Context, id uuid.UUID) (*db.Waitlist, error)
	GetWaitlistBySlug(ctx context.Context, slug string) (*db.Waitlist, error)
	ListWaitlistsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*db.WaitlistSummary, error)
	UpdateWaitlist(ctx context.Context, id uuid.UUID, patch db.WaitlistPatch) (*db.Waitlist, error)

	CountSubscribers(ctx context.Context, waitlistID uuid.UUID) (int, error)
	GetSubscriberByEmail(ctx context.Context, waitlistID uuid.UUID, email string) (*db.Subscriber, error)
	ListSubscribersRanked(ctx context.Context, waitlistID uuid.UUID) ([]*db.Subscriber, error)

	InsertAnalyticsEvent(ctx context.Context, ev *db.AnalyticsEvent) error
}

// StatsSource computes dashboard figures. *analytics.Aggregator implements it.
type StatsSource interface {
	Stats(ctx context.Context, waitlistID uuid.UUID, now time.Time) (*analytics.Stats, error)
}

// Publisher fans a completed signup out to other systems
type Publisher interface {
	PublishJoined(ctx context.Context, w *db.Waitlist, s *db.Subscriber) error
}

// Config holds service settings
type Config struct {
	BaseURL          string
	DefaultPlanLimit int
}

// DefaultConfig returns local development settings
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:3000",
		DefaultPlanLimit: 100,
	}
}

// Service implements the waitlist operations
type Service struct {
	store     Store
	stats     StatsSource
	publisher Publisher // nil if fan-out not configured
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new waitlist service
func NewService(store Store, stats StatsSource, config Config, logger *zap.Logger) *Service {
	if config.DefaultPlanLimit <= 0 {
		config.DefaultPlanLimit = DefaultConfig().DefaultPlanLimit
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	return &Service{
		store:  store,
		stats:  stats,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// WithPublisher enables subscriber.joined fan-out
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock replaces the clock used for stats windows
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ReferralURL builds the share link for a subscriber of w
func (s *Service) ReferralURL(w *db.Waitlist, code string) string {
	return ReferralURL(s.config.BaseURL, w.Slug, code)
}

func (s *Service) planLimit(w *db.Waitlist) int {
	if w.PlanLimit > 0 {
		return w.PlanLimit
	}
	return s.config.DefaultPlanLimit
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// lookupWaitlist maps a missing row to ErrNotFound and anything else to ErrStore
func (s *Service) lookupWaitlist(ctx context.Context, id uuid.UUID) (*db.Waitlist, error) {
	w, err := s.store.GetWaitlist(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get waitlist", err)
	}
	return w, nil
}

// authorize loads a waitlist and checks that ownerID owns it
func (s *Service) authorize(ctx context.Context, ownerID, waitlistID uuid.UUID) (*db.Waitlist, error) {
	if ownerID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	w, err := s.lookupWaitlist(ctx, waitlistID)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: waitlist %s belongs to another owner", ErrForbidden, waitlistID)
	}
	return w, nil
}
