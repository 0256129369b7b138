package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for owners, waitlists, subscribers,
// event logs and notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateOwner inserts an owner. A zero PlanLimit falls back to the column default.
func (r *Repository) CreateOwner(ctx context.Context, owner *Owner) error {
	query := `
		INSERT INTO owners (id, email, full_name, plan, plan_limit)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5, 0), 100))
		RETURNING plan_limit, created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		owner.ID, owner.Email, owner.FullName, owner.Plan, owner.PlanLimit,
	).Scan(&owner.PlanLimit, &owner.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert owner: %w", mapError(err))
	}
	return nil
}

// GetOwner retrieves an owner by ID
func (r *Repository) GetOwner(ctx context.Context, id uuid.UUID) (*Owner, error) {
	var o Owner
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, email, full_name, plan, plan_limit, created_at FROM owners WHERE id = $1`, id,
	).Scan(&o.ID, &o.Email, &o.FullName, &o.Plan, &o.PlanLimit, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query owner: %w", mapError(err))
	}
	return &o, nil
}

const waitlistSelect = `
	SELECT
		w.id, w.owner_id, w.name, w.slug, w.description, w.website_url,
		w.redirect_url, w.is_active, w.closes_at, w.referral_bonus,
		w.last_position, w.created_at, w.updated_at,
		o.plan_limit, o.email, o.full_name
	FROM waitlists w
	JOIN owners o ON o.id = w.owner_id
`

func scanWaitlist(row pgx.Row) (*Waitlist, error) {
	var w Waitlist
	err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Name,
		&w.Slug,
		&w.Description,
		&w.WebsiteURL,
		&w.RedirectURL,
		&w.IsActive,
		&w.ClosesAt,
		&w.ReferralBonus,
		&w.LastPosition,
		&w.CreatedAt,
		&w.UpdatedAt,
		&w.PlanLimit,
		&w.OwnerEmail,
		&w.OwnerFullName,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) listWaitlists(ctx context.Context, query string, args ...any) ([]*Waitlist, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waitlists: %w", err)
	}
	defer rows.Close()

	var waitlists []*Waitlist
	for rows.Next() {
		w, err := scanWaitlist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist: %w", err)
		}
		waitlists = append(waitlists, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return waitlists, nil
}

// CreateWaitlist inserts a new waitlist. A zero ReferralBonus becomes 1.
func (r *Repository) CreateWaitlist(ctx context.Context, w *Waitlist) error {
	query := `
		INSERT INTO waitlists (
			id, owner_id, name, slug, description, website_url,
			redirect_url, is_active, closes_at, referral_bonus
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE(NULLIF($10, 0), 1))
		RETURNING referral_bonus, created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		w.ID,
		w.OwnerID,
		w.Name,
		w.Slug,
		w.Description,
		w.WebsiteURL,
		w.RedirectURL,
		w.IsActive,
		w.ClosesAt,
		w.ReferralBonus,
	).Scan(&w.ReferralBonus, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert waitlist: %w", mapError(err))
	}

	r.logger.Info("waitlist created",
		zap.String("waitlist_id", w.ID.String()),
		zap.String("owner_id", w.OwnerID.String()),
		zap.String("slug", w.Slug),
	)
	return nil
}

// GetWaitlist retrieves a waitlist by ID together with its owner's plan limit
func (r *Repository) GetWaitlist(ctx context.Context, id uuid.UUID) (*Waitlist, error) {
	w, err := scanWaitlist(r.db.Pool().QueryRow(ctx, waitlistSelect+` WHERE w.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query waitlist: %w", mapError(err))
	}
	return w, nil
}

// GetWaitlistBySlug retrieves a waitlist by its public slug
func (r *Repository) GetWaitlistBySlug(ctx context.Context, slug string) (*Waitlist, error) {
	w, err := scanWaitlist(r.db.Pool().QueryRow(ctx, waitlistSelect+` WHERE w.slug = $1`, slug))
	if err != nil {
		return nil, fmt.Errorf("query waitlist: %w", mapError(err))
	}
	return w, nil
}

// ListWaitlistsByOwner returns the owner's waitlists newest first with subscriber counts
func (r *Repository) ListWaitlistsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*WaitlistSummary, error) {
	waitlists, err := r.listWaitlists(ctx, waitlistSelect+` WHERE w.owner_id = $1 ORDER BY w.created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}

	summaries := make([]*WaitlistSummary, 0, len(waitlists))
	for _, w := range waitlists {
		count, err := r.CountSubscribers(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &WaitlistSummary{Waitlist: *w, SubscriberCount: count})
	}
	return summaries, nil
}

// ListActiveWaitlists returns every active waitlist
func (r *Repository) ListActiveWaitlists(ctx context.Context) ([]*Waitlist, error) {
	return r.listWaitlists(ctx, waitlistSelect+` WHERE w.is_active ORDER BY w.created_at ASC`)
}

// ListClosingWaitlists returns active waitlists whose closes_at falls in (after, until]
func (r *Repository) ListClosingWaitlists(ctx context.Context, after, until time.Time) ([]*Waitlist, error) {
	return r.listWaitlists(ctx,
		waitlistSelect+` WHERE w.is_active AND w.closes_at > $1 AND w.closes_at <= $2 ORDER BY w.closes_at ASC`,
		after, until,
	)
}

// UpdateWaitlist applies a patch and returns the updated row
func (r *Repository) UpdateWaitlist(ctx context.Context, id uuid.UUID, patch WaitlistPatch) (*Waitlist, error) {
	query := `
		UPDATE waitlists SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			is_active = COALESCE($4, is_active),
			closes_at = CASE WHEN $5::boolean THEN NULL ELSE COALESCE($6, closes_at) END,
			referral_bonus = COALESCE($7, referral_bonus),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query,
		id,
		patch.Name,
		patch.Description,
		patch.IsActive,
		patch.ClearClosesAt,
		patch.ClosesAt,
		patch.ReferralBonus,
	)
	if err != nil {
		r.logger.Error("failed to update waitlist",
			zap.Error(err),
			zap.String("waitlist_id", id.String()),
		)
		return nil, fmt.Errorf("update waitlist: %w", mapError(err))
	}
	if result.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return r.GetWaitlist(ctx, id)
}
