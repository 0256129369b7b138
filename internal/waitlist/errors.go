package waitlist

import "errors"

// Terminal outcomes of waitlist operations. Callers classify with errors.Is.
var (
	ErrNotFound         = errors.New("waitlist not found")
	ErrClosed           = errors.New("waitlist is no longer accepting signups")
	ErrCapacityExceeded = errors.New("waitlist has reached its capacity")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrValidation       = errors.New("validation failed")
	ErrStore            = errors.New("store failure")
)
