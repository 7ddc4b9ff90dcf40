package auth

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/info-rss/internal/models"
	"github.com/alexjbarnes/info-rss/internal/state"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock is a settable time source shared by the components under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testGuard(t *testing.T, store StateStore, clock *fakeClock) *StateGuard {
	t.Helper()
	g, err := NewStateGuard(store, testSecret, 10*time.Minute)
	require.NoError(t, err)
	g.now = clock.Now
	return g
}

func testLimiter(store RateLimitLedger) *Limiter {
	return NewLimiter(store, LimiterConfig{
		PerSecond:    1,
		PerHour:      10,
		SecondWindow: time.Second,
		HourWindow:   time.Hour,
	})
}

func testGate(store IdentityStore, ledger RateLimitLedger, clock *fakeClock) *Gate {
	g := NewGate(store, testLimiter(ledger), testLogger())
	g.now = clock.Now
	return g
}

var testProfile = models.FederatedProfile{
	ID:       "1001",
	Username: "zhang",
	Email:    "zhang@example.edu",
	Name:     "Zhang San",
}

// seedToken signs a user in, returning the user and their login token.
func seedToken(t *testing.T, s *state.State, expiresAt *time.Time) (models.User, string) {
	t.Helper()

	value := TokenPrefix + RandomHex(tokenBytes)
	u, _, err := s.LoginUser(context.Background(), testProfile, models.AuthToken{
		Value:     value,
		Label:     "seed",
		CreatedAt: epoch,
		ExpiresAt: expiresAt,
	}, 10, epoch)
	require.NoError(t, err)

	return u, value
}

// seedUser signs in another federated identity.
func seedUser(t *testing.T, s *state.State, profile models.FederatedProfile) models.User {
	t.Helper()

	u, _, err := s.LoginUser(context.Background(), profile, models.AuthToken{
		Value:     TokenPrefix + RandomHex(tokenBytes),
		Label:     LoginTokenLabel,
		CreatedAt: epoch,
	}, 10, epoch)
	require.NoError(t, err)

	return u
}

func TestRandomHex_Length(t *testing.T) {
	require.Len(t, RandomHex(16), 32)
}

func TestRandomHex_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		v := RandomHex(16)
		require.False(t, seen[v])
		seen[v] = true
	}
}
