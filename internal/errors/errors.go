// Package errors defines the access-control error taxonomy. Callers use
// errors.Is against the sentinels and errors.As against the structured
// types to decide how to render a failure.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Federation errors. Surfaced as a failed login; the user restarts the
// flow from /auth/login.
var (
	ErrExchangeFailed     = errors.New("authorization code exchange failed")
	ErrProfileFetchFailed = errors.New("fetching federated profile failed")
)

// OAuth state errors.
var (
	ErrInvalidState  = errors.New("invalid oauth state")
	ErrExpiredState  = errors.New("expired oauth state")
	ErrReplayedState = errors.New("oauth state already used")
)

// Authentication errors.
var ErrUnauthenticated = errors.New("missing or invalid authentication token")

// Ownership and quota errors on token management.
var (
	ErrNotOwner           = errors.New("token belongs to another user")
	ErrNotFound           = errors.New("not found")
	ErrTokenQuotaExceeded = errors.New("token quota exceeded")
)

// ErrTokenNotOwned is returned by token management for both a token owned
// by someone else and a token that does not exist, so callers cannot probe
// for valid token values. It matches ErrNotOwner and ErrNotFound.
var ErrTokenNotOwned error = tokenNotOwnedError{}

type tokenNotOwnedError struct{}

func (tokenNotOwnedError) Error() string { return "token not found or not owned" }

func (tokenNotOwnedError) Is(target error) bool {
	return target == ErrNotOwner || target == ErrNotFound
}

// Rate limit errors.
var ErrRateLimited = errors.New("rate limit exceeded")

// Reason describes why a presented credential was rejected.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonUnknown Reason = "unknown"
	ReasonExpired Reason = "expired"
)

// AuthError is an authentication failure with the reason attached.
type AuthError struct {
	Reason Reason
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrUnauthenticated.Error(), e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrUnauthenticated }

// RateLimitError reports the exhausted window and when it reopens.
type RateLimitError struct {
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: maximum %d per %s", ErrRateLimited.Error(), e.Limit, e.Window)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// QuotaError reports the per-user token cap that was hit.
type QuotaError struct {
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: maximum %d tokens per user", ErrTokenQuotaExceeded.Error(), e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrTokenQuotaExceeded }
