package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/db"
)

const maxWaitlistNameLength = 100

// CreateInput holds the owner-supplied fields of a new waitlist
type CreateInput struct {
	Name          string
	Description   *string
	WebsiteURL    *string
	RedirectURL   *string
	ClosesAt      *time.Time
	ReferralBonus *int
}

// UpdateInput holds the owner-editable fields; nil leaves a field unchanged
type UpdateInput struct {
	Name          *string
	Description   *string
	IsActive      *bool
	ClosesAt      *time.Time
	ClearClosesAt bool
	ReferralBonus *int
}

// WidgetInfo is the public view of a waitlist served to the embed widget
type WidgetInfo struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Slug            string     `json:"slug"`
	Description     *string    `json:"description"`
	IsActive        bool       `json:"is_active"`
	ClosesAt        *time.Time `json:"closes_at"`
	SubscriberCount int        `json:"subscriberCount"`
}

// ExportRow is one subscriber in rank order
type ExportRow struct {
	Rank          int
	Email         string
	Name          string
	ReferralCount int
	Status        string
	JoinedAt      time.Time
}

// Export is a waitlist's full subscriber list ordered by priority then position
type Export struct {
	Waitlist *db.Waitlist
	Rows     []ExportRow
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len([]rune(name)) > maxWaitlistNameLength {
		return "", fmt.Errorf("%w: name must be at most %d characters", ErrValidation, maxWaitlistNameLength)
	}
	return name, nil
}

func validateBonus(bonus *int) error {
	if bonus != nil && *bonus < 1 {
		return fmt.Errorf("%w: referralBonus must be at least 1", ErrValidation)
	}
	return nil
}

// CreateWaitlist creates an active waitlist for ownerID with a fresh slug
func (s *Service) CreateWaitlist(ctx context.Context, ownerID uuid.UUID, in CreateInput) (*db.Waitlist, error) {
	if ownerID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := validateBonus(in.ReferralBonus); err != nil {
		return nil, err
	}

	if _, err := s.store.GetOwner(ctx, ownerID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown owner", ErrUnauthorized)
		}
		return nil, storeErr("get owner", err)
	}

	bonus := 1
	if in.ReferralBonus != nil {
		bonus = *in.ReferralBonus
	}

	var w *db.Waitlist
	op := func() error {
		slug, err := NewSlug(name)
		if err != nil {
			return backoff.Permanent(err)
		}
		w = &db.Waitlist{
			ID:            uuid.New(),
			OwnerID:       ownerID,
			Name:          name,
			Slug:          slug,
			Description:   in.Description,
			WebsiteURL:    in.WebsiteURL,
			RedirectURL:   in.RedirectURL,
			IsActive:      true,
			ClosesAt:      in.ClosesAt,
			ReferralBonus: bonus,
		}
		err = s.store.CreateWaitlist(ctx, w)
		if err != nil && !errors.Is(err, db.ErrDuplicateSlug) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(joinRetryInterval), joinMaxRetries),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return nil, storeErr("create waitlist", err)
	}

	return w, nil
}

// ListWaitlists returns the owner's waitlists newest first
func (s *Service) ListWaitlists(ctx context.Context, ownerID uuid.UUID) ([]*db.WaitlistSummary, error) {
	if ownerID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	list, err := s.store.ListWaitlistsByOwner(ctx, ownerID)
	if err != nil {
		return nil, storeErr("list waitlists", err)
	}
	return list, nil
}

// UpdateWaitlist applies an owner edit
func (s *Service) UpdateWaitlist(ctx context.Context, ownerID, waitlistID uuid.UUID, in UpdateInput) (*db.Waitlist, error) {
	if _, err := s.authorize(ctx, ownerID, waitlistID); err != nil {
		return nil, err
	}

	patch := db.WaitlistPatch{
		Description:   in.Description,
		IsActive:      in.IsActive,
		ClosesAt:      in.ClosesAt,
		ClearClosesAt: in.ClearClosesAt,
		ReferralBonus: in.ReferralBonus,
	}
	if in.Name != nil {
		name, err := validateName(*in.Name)
		if err != nil {
			return nil, err
		}
		patch.Name = &name
	}
	if err := validateBonus(in.ReferralBonus); err != nil {
		return nil, err
	}

	w, err := s.store.UpdateWaitlist(ctx, waitlistID, patch)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, waitlistID)
	}
	if err != nil {
		return nil, storeErr("update waitlist", err)
	}

	s.logger.Info("waitlist updated",
		zap.String("waitlist_id", w.ID.String()),
		zap.Bool("is_active", w.IsActive),
	)
	return w, nil
}

// WidgetInfo looks an active waitlist up by slug or id and logs a view.
// Inactive waitlists are reported as not found.
func (s *Service) WidgetInfo(ctx context.Context, idOrSlug string) (*WidgetInfo, error) {
	idOrSlug = strings.TrimSpace(idOrSlug)
	if idOrSlug == "" {
		return nil, fmt.Errorf("%w: slug or id is required", ErrValidation)
	}

	var (
		w   *db.Waitlist
		err error
	)
	if id, parseErr := uuid.Parse(idOrSlug); parseErr == nil {
		w, err = s.store.GetWaitlist(ctx, id)
	} else {
		w, err = s.store.GetWaitlistBySlug(ctx, idOrSlug)
	}
	if errors.Is(err, db.ErrNotFound) || (err == nil && !w.IsActive) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrSlug)
	}
	if err != nil {
		return nil, storeErr("get waitlist", err)
	}

	count, err := s.store.CountSubscribers(ctx, w.ID)
	if err != nil {
		return nil, storeErr("count subscribers", err)
	}

	err = s.store.InsertAnalyticsEvent(ctx, &db.AnalyticsEvent{
		ID:         uuid.New(),
		WaitlistID: w.ID,
		EventType:  db.EventView,
	})
	if err != nil {
		// a lost view only skews conversion rate
		s.logger.Warn("failed to log widget view",
			zap.Error(err),
			zap.String("waitlist_id", w.ID.String()),
		)
	}

	return &WidgetInfo{
		ID:              w.ID,
		Name:            w.Name,
		Slug:            w.Slug,
		Description:     w.Description,
		IsActive:        w.IsActive,
		ClosesAt:        w.ClosesAt,
		SubscriberCount: count,
	}, nil
}

// Stats returns the aggregator's view of a waitlist the caller owns
func (s *Service) Stats(ctx context.Context, ownerID, waitlistID uuid.UUID) (*analytics.Stats, error) {
	w, err := s.authorize(ctx, ownerID, waitlistID)
	if err != nil {
		return nil, err
	}
	stats, err := s.stats.Stats(ctx, w.ID, s.now())
	if err != nil {
		return nil, storeErr("stats", err)
	}
	return stats, nil
}

// Export lists every subscriber of a waitlist the caller owns in rank order
func (s *Service) Export(ctx context.Context, ownerID, waitlistID uuid.UUID) (*Export, error) {
	w, err := s.authorize(ctx, ownerID, waitlistID)
	if err != nil {
		return nil, err
	}

	subs, err := s.store.ListSubscribersRanked(ctx, w.ID)
	if err != nil {
		return nil, storeErr("list subscribers", err)
	}

	rows := make([]ExportRow, 0, len(subs))
	for i, sub := range subs {
		name := ""
		if sub.Name != nil {
			name = *sub.Name
		}
		rows = append(rows, ExportRow{
			Rank:          i + 1,
			Email:         sub.Email,
			Name:          name,
			ReferralCount: sub.ReferralCount,
			Status:        sub.Status,
			JoinedAt:      sub.CreatedAt,
		})
	}
	return &Export{Waitlist: w, Rows: rows}, nil
}
