package waitlist

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	codeAlphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	referralCodeSize = 8
	slugSuffixSize   = 4
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// NewReferralCode returns a fresh 8 character [0-9a-z] code.
func NewReferralCode() (string, error) {
	code, err := gonanoid.Generate(codeAlphabet, referralCodeSize)
	if err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	return code, nil
}

// Slugify lower-cases name and collapses every run of non [a-z0-9] into one dash.
func Slugify(name string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// NewSlug returns Slugify(name) with a random suffix, e.g. "my-app-x7k2".
func NewSlug(name string) (string, error) {
	suffix, err := gonanoid.Generate(codeAlphabet, slugSuffixSize)
	if err != nil {
		return "", fmt.Errorf("generate slug: %w", err)
	}
	return Slugify(name) + "-" + suffix, nil
}

// ReferralURL builds the shareable link for a subscriber: {base}/w/{slug}?ref={code}.
func ReferralURL(baseURL, slug, code string) string {
	return strings.TrimRight(baseURL, "/") + "/w/" + url.PathEscape(slug) + "?ref=" + url.QueryEscape(code)
}

// CodeFromReferralURL extracts the ref parameter from a link built by ReferralURL.
func CodeFromReferralURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse referral url: %w", err)
	}
	code := u.Query().Get("ref")
	if code == "" {
		return "", fmt.Errorf("%w: referral url has no ref parameter", ErrValidation)
	}
	return code, nil
}
