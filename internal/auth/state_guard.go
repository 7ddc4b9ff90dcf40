package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

const (
	stateNonceBytes = 32
	stateSigBytes   = 16

	// stateKeyInfo separates the state signing key from any other key
	// derived from the session secret.
	stateKeyInfo = "info-rss oauth state v1"
)

// StateGuard issues and consumes single-use OAuth state values. Values
// are signed so forged or mangled ones are rejected before the store is
// consulted.
type StateGuard struct {
	store StateStore
	key   []byte
	ttl   time.Duration
	now   func() time.Time
}

// NewStateGuard derives the signing key from secret.
func NewStateGuard(store StateStore, secret string, ttl time.Duration) (*StateGuard, error) {
	if secret == "" {
		return nil, fmt.Errorf("state guard: empty secret")
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(stateKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("state guard: deriving key: %w", err)
	}

	return &StateGuard{store: store, key: key, ttl: ttl, now: time.Now}, nil
}

// TTL is how long an issued state stays redeemable.
func (g *StateGuard) TTL() time.Duration {
	return g.ttl
}

func (g *StateGuard) sign(nonce string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(nonce))

	return hex.EncodeToString(mac.Sum(nil)[:stateSigBytes])
}

// Issue creates and records a fresh state value.
func (g *StateGuard) Issue(ctx context.Context) (string, error) {
	nonce := RandomHex(stateNonceBytes)
	value := nonce + "." + g.sign(nonce)

	if err := g.store.SaveState(ctx, models.OAuthState{Value: value, CreatedAt: g.now().UTC()}); err != nil {
		return "", fmt.Errorf("saving oauth state: %w", err)
	}

	return value, nil
}

// Consume redeems a state value exactly once. It returns
// ErrInvalidState, ErrExpiredState or ErrReplayedState on failure.
func (g *StateGuard) Consume(ctx context.Context, value string) error {
	if !g.verify(value) {
		return apperrors.ErrInvalidState
	}

	return g.store.ConsumeState(ctx, value, g.now().UTC().Add(-g.ttl))
}

func (g *StateGuard) verify(value string) bool {
	nonce, sig, ok := strings.Cut(value, ".")
	if !ok || len(nonce) != 2*stateNonceBytes || len(sig) != 2*stateSigBytes {
		return false
	}

	if _, err := hex.DecodeString(nonce); err != nil {
		return false
	}

	return hmac.Equal([]byte(sig), []byte(g.sign(nonce)))
}
