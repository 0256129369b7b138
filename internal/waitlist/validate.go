package waitlist

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxEmailLength = 254
	maxNameLength  = 100
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// JoinRequest is a validated signup. Name and ReferralCode are nil when absent.
type JoinRequest struct {
	WaitlistID   uuid.UUID
	Email        string
	Name         *string
	ReferralCode *string
}

// NormalizeEmail trims and lower-cases an address and checks its shape.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	if len(email) > maxEmailLength || !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return email, nil
}

// NewJoinRequest validates raw signup fields taken from an untrusted request body.
func NewJoinRequest(waitlistID, email, name, referralCode string) (JoinRequest, error) {
	var req JoinRequest

	waitlistID = strings.TrimSpace(waitlistID)
	if waitlistID == "" {
		return req, fmt.Errorf("%w: waitlistId is required", ErrValidation)
	}
	id, err := uuid.Parse(waitlistID)
	if err != nil {
		// not a UUID can never match a waitlist
		return req, fmt.Errorf("%w: %s", ErrNotFound, waitlistID)
	}
	req.WaitlistID = id

	if req.Email, err = NormalizeEmail(email); err != nil {
		return req, err
	}

	if n := strings.TrimSpace(name); n != "" {
		if len([]rune(n)) > maxNameLength {
			return req, fmt.Errorf("%w: name must be at most %d characters", ErrValidation, maxNameLength)
		}
		req.Name = &n
	}

	if code := strings.TrimSpace(referralCode); code != "" {
		req.ReferralCode = &code
	}

	return req, nil
}
