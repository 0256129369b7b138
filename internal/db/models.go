package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Owner is the account that owns waitlists. PlanLimit caps signups per waitlist.
type Owner struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"full_name,omitempty"`
	Plan      string    `json:"plan"`
	PlanLimit int       `json:"plan_limit"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan constants
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Waitlist represents a waitlist in the database
type Waitlist struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Name          string     `json:"name"`
	Slug          string     `json:"slug"`
	Description   *string    `json:"description,omitempty"`
	WebsiteURL    *string    `json:"website_url,omitempty"`
	RedirectURL   *string    `json:"redirect_url,omitempty"`
	IsActive      bool       `json:"is_active"`
	ClosesAt      *time.Time `json:"closes_at,omitempty"`
	ReferralBonus int        `json:"referral_bonus"`
	LastPosition  int        `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Joined from the owner row on reads that need it.
	PlanLimit     int     `json:"-"`
	OwnerEmail    string  `json:"-"`
	OwnerFullName *string `json:"-"`
}

// WaitlistPatch carries the owner-editable fields. Nil fields are left untouched.
type WaitlistPatch struct {
	Name          *string
	Description   *string
	IsActive      *bool
	ClosesAt      *time.Time
	ClearClosesAt bool
	ReferralBonus *int
}

// WaitlistSummary is a waitlist with its current subscriber count.
type WaitlistSummary struct {
	Waitlist
	SubscriberCount int `json:"subscriber_count"`
}

// Subscriber represents a single signup within one waitlist
type Subscriber struct {
	ID            uuid.UUID  `json:"id"`
	WaitlistID    uuid.UUID  `json:"waitlist_id"`
	Email         string     `json:"email"`
	Name          *string    `json:"name,omitempty"`
	ReferralCode  string     `json:"referral_code"`
	ReferredBy    *uuid.UUID `json:"referred_by,omitempty"`
	Position      int        `json:"position"`
	PriorityScore int        `json:"priority_score"`
	ReferralCount int        `json:"referral_count"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Subscriber status constants
const (
	SubscriberStatusWaiting = "waiting"
	SubscriberStatusInvited = "invited"
	SubscriberStatusJoined  = "joined"
)

// ReferralEvent is one credited referral. Rows are never updated.
type ReferralEvent struct {
	ID         uuid.UUID `json:"id"`
	WaitlistID uuid.UUID `json:"waitlist_id"`
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id"`
	CreatedAt  time.Time `json:"created_at"`

	// Joined from the waitlist row by ListReferralEventsSince.
	WaitlistName  string `json:"-"`
	ReferralBonus int    `json:"-"`
}

// AnalyticsEvent is an append-only log row used for aggregate stats.
type AnalyticsEvent struct {
	ID         uuid.UUID       `json:"id"`
	WaitlistID uuid.UUID       `json:"waitlist_id"`
	EventType  string          `json:"event_type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Analytics event types
const (
	EventView           = "view"
	EventSignup         = "signup"
	EventReferralSignup = "referral_signup"
)

// Notification is an outbound message and, by its existence, a dedup marker.
type Notification struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      *uuid.UUID `json:"owner_id,omitempty"`
	SubscriberID *uuid.UUID `json:"subscriber_id,omitempty"`
	WaitlistID   *uuid.UUID `json:"waitlist_id,omitempty"`
	Type         string     `json:"type"`
	DedupKey     string     `json:"dedup_key"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	LastError    *string    `json:"last_error,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Notification types
const (
	NotificationWeeklyDigest  = "weekly_digest"
	NotificationExpiryWarning = "expiry_warning"
	NotificationMilestone     = "milestone"
)

// Delivery status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)
