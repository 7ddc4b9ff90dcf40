// Package models defines types shared across internal packages.
package models

import "time"

// User is a federated identity known to this service.
type User struct {
	ID          string    `json:"id"`
	FederatedID string    `json:"federated_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Name        string    `json:"name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FederatedProfile is the identity provider's view of a user.
type FederatedProfile struct {
	ID        string
	Username  string
	Email     string
	Name      string
	AvatarURL string
}

// AuthToken is a long-lived API credential. The value is a bearer
// capability: whoever holds it acts as the owning user.
type AuthToken struct {
	Value      string     `json:"token"`
	UserID     string     `json:"user_id"`
	Label      string     `json:"label"`
	Seq        uint64     `json:"seq"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t AuthToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// OAuthState is a single-use CSRF nonce for the authorization-code flow.
type OAuthState struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	Used      bool      `json:"used"`
}

// Window is one fixed rate-limit window family.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int
}

// Start returns the beginning of the window containing now, truncated on
// the Unix epoch so every instance agrees on boundaries.
func (w Window) Start(now time.Time) time.Time {
	size := w.Size.Nanoseconds()
	ns := now.UnixNano()

	return time.Unix(0, ns-ns%size).UTC()
}

// End returns the instant the window containing now closes.
func (w Window) End(now time.Time) time.Time {
	return w.Start(now).Add(w.Size)
}

// RateLimitWindow is one stored counter row.
type RateLimitWindow struct {
	UserID string
	Size   time.Duration
	Start  time.Time
	Count  int
}
