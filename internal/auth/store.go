// Package auth gates access to the announcement feed. Users sign in
// through a GitLab-compatible identity provider, receive long-lived API
// tokens, and spend those tokens against fixed-window request quotas.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/alexjbarnes/info-rss/internal/models"
)

// IdentityStore persists users and their API tokens. Quota and ownership
// limits are passed in by the caller and enforced inside the same
// transaction as the write.
//
// Implementations return errors.ErrNotFound for absent rows,
// errors.ErrNotOwner when a token belongs to another user, and a
// *errors.QuotaError when a user already holds limit tokens.
type IdentityStore interface {
	// LoginUser creates the user for a federated identity, or refreshes
	// its profile fields, and issues token for them atomically. Nothing is
	// persisted when the token cannot be issued.
	LoginUser(ctx context.Context, profile models.FederatedProfile, token models.AuthToken, limit int, now time.Time) (models.User, models.AuthToken, error)

	CreateToken(ctx context.Context, token models.AuthToken, limit int) (models.AuthToken, error)
	// ListTokens returns the user's tokens in creation order.
	ListTokens(ctx context.Context, userID string) ([]models.AuthToken, error)
	LookupToken(ctx context.Context, value string) (models.AuthToken, models.User, error)
	DeleteToken(ctx context.Context, userID, value string) error
	// RotateToken replaces oldValue with replacement in one transaction.
	// The replacement inherits the old token's label.
	RotateToken(ctx context.Context, userID, oldValue string, replacement models.AuthToken) (models.AuthToken, error)
	TouchToken(ctx context.Context, value string, at time.Time) error
}

// RateLimitLedger keeps per-user counters for fixed windows.
type RateLimitLedger interface {
	// Increment admits a request only when every window's count is below
	// its limit. On admission all counters advance and the new counts are
	// returned; otherwise nothing changes and the current counts are
	// returned with admitted false.
	Increment(ctx context.Context, userID string, now time.Time, windows []models.Window) (counts []int, admitted bool, err error)
	// ReapWindows deletes counters whose window started before the cutoff.
	ReapWindows(ctx context.Context, before time.Time) (int, error)
}

// StateStore records issued OAuth state values.
type StateStore interface {
	SaveState(ctx context.Context, st models.OAuthState) error
	// ConsumeState marks a state used. It fails with ErrInvalidState when
	// absent, ErrExpiredState when created before notBefore and
	// ErrReplayedState when already used.
	ConsumeState(ctx context.Context, value string, notBefore time.Time) error
	ReapStates(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface. internal/state and
// internal/postgres both satisfy it.
type Store interface {
	IdentityStore
	RateLimitLedger
	StateStore
}

// RandomHex returns a hex-encoded string of byteLen random bytes.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
