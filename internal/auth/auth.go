// Package auth issues and verifies owner access tokens and checks the shared
// secret that protects the scheduled-scan endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "waitlistq"

// DefaultTokenTTL is the lifetime of tokens minted by IssueToken when none is given
const DefaultTokenTTL = 30 * 24 * time.Hour

var (
	// ErrNoSecret means the signing or shared secret is not configured
	ErrNoSecret = errors.New("secret not configured")
	// ErrInvalidToken covers malformed, expired or wrongly signed tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingCredentials means the Authorization header was absent or not a bearer token
	ErrMissingCredentials = errors.New("missing bearer credentials")
)

// Claims identifies an owner. Subject holds the owner UUID.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 owner tokens
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token service keyed by secret
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for owner valid for ttl
func (t *Tokens) Issue(ownerID uuid.UUID, email string, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := t.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns the owner it was issued to
func (t *Tokens) Parse(tokenStr string) (uuid.UUID, error) {
	if len(t.secret) == 0 {
		return uuid.Nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ownerID, err := uuid.Parse(claims.Subject)
	if err != nil || ownerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return ownerID, nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", ErrMissingCredentials
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	if tok == "" {
		return "", ErrMissingCredentials
	}
	return tok, nil
}

// CheckSecret compares a presented secret to the configured one in constant
// time. An empty configured secret never matches.
func CheckSecret(configured, presented string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

type ownerKey struct{}

// WithOwner stores the authenticated owner on ctx
func WithOwner(ctx context.Context, ownerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the authenticated owner, or uuid.Nil if none
func OwnerFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ownerKey{}).(uuid.UUID)
	return id
}
