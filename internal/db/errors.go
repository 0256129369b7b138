package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail means the email is already subscribed to the waitlist
	ErrDuplicateEmail = errors.New("duplicate subscriber email")

	// ErrDuplicateReferralCode means a generated referral code collided
	ErrDuplicateReferralCode = errors.New("duplicate referral code")

	// ErrDuplicatePosition means two subscribers raced for the same position
	ErrDuplicatePosition = errors.New("duplicate subscriber position")

	// ErrDuplicateSlug means a generated waitlist slug collided
	ErrDuplicateSlug = errors.New("duplicate waitlist slug")

	// ErrDuplicateReferral means the referred subscriber was already credited
	ErrDuplicateReferral = errors.New("referral already credited")
)

const uniqueViolation = "23505"

// constraint name -> sentinel, names come from migrations/0001_init.up.sql
var uniqueConstraints = map[string]error{
	"subscribers_waitlist_email_key":    ErrDuplicateEmail,
	"subscribers_referral_code_key":     ErrDuplicateReferralCode,
	"subscribers_waitlist_position_key": ErrDuplicatePosition,
	"waitlists_slug_key":                ErrDuplicateSlug,
	"referral_events_referred_key":      ErrDuplicateReferral,
}

// mapError translates pgx errors into the package sentinels. Unknown errors pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if sentinel, ok := uniqueConstraints[pgErr.ConstraintName]; ok {
			return sentinel
		}
	}
	return err
}
