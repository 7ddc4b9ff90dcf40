package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/info-rss/internal/auth"
	"github.com/alexjbarnes/info-rss/internal/feed"
	"github.com/alexjbarnes/info-rss/internal/models"
	"github.com/alexjbarnes/info-rss/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *state.State
	tokens  *auth.TokenManager
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLoggedFixture(t, testLogger())
}

func newLoggedFixture(t *testing.T, logger *slog.Logger) *fixture {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guard, err := auth.NewStateGuard(store, "0123456789abcdef0123456789abcdef", 10*time.Minute)
	require.NoError(t, err)

	provider := auth.NewGitLab(auth.GitLabConfig{
		BaseURL:      "https://git.example.edu",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8000/auth/callback",
		Scopes:       []string{"read_user"},
		Timeout:      time.Second,
	}, nil)

	tm := auth.NewTokenManager(store, guard, provider, auth.TokenManagerConfig{MaxTokensPerUser: 10}, logger)

	// One request per hour keeps the second request rejected regardless
	// of where the wall clock sits inside a one-second window.
	limiter := auth.NewLimiter(store, auth.LimiterConfig{
		PerSecond:    1,
		PerHour:      10,
		SecondWindow: time.Hour,
		HourWindow:   24 * time.Hour,
	})

	cache := feed.NewCache()
	cache.Publish([]feed.Item{{
		ID:        "abc",
		Title:     "通知",
		Link:      "https://info.tsinghua.edu.cn/abc",
		Published: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}})

	identity := feed.Identity{Title: "清华大学信息门户", Link: "https://info.tsinghua.edu.cn", Language: "zh-CN"}

	return &fixture{
		store:  store,
		tokens: tm,
		handler: NewMux(MuxConfig{
			Gate:   auth.NewGate(store, limiter, logger),
			Tokens: tm,
			Feed:   feed.Handler(cache, identity, 100, logger),
			Logger: logger,
		}),
	}
}

// seedToken signs in federated identity id and returns its login token.
func (f *fixture) seedToken(t *testing.T, id string) string {
	t.Helper()

	_, tok, err := f.store.LoginUser(context.Background(), models.FederatedProfile{ID: id, Username: "user-" + id}, models.AuthToken{
		Value:     auth.TokenPrefix + auth.RandomHex(32),
		Label:     auth.LoginTokenLabel,
		CreatedAt: time.Now().UTC(),
	}, 10, time.Now().UTC())
	require.NoError(t, err)

	return tok.Value
}

func (f *fixture) do(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

// --- Routes ---

func TestHealth(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLogin_RedirectsToProvider(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/auth/login", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://git.example.edu/oauth/authorize?"))
}

func TestRSS_RequiresToken(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/rss", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestRSS_RejectsUnknownToken(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/rss", auth.TokenPrefix+"nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestRSS_ServesFeedThenRateLimits(t *testing.T) {
	f := newFixture(t)
	token := f.seedToken(t, "42")

	rec := f.do(http.MethodGet, "/rss", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/rss+xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-Second"))
	assert.Contains(t, rec.Body.String(), "通知")

	rec = f.do(http.MethodGet, "/rss", token)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTokens_ListNotRateLimited(t *testing.T) {
	f := newFixture(t)
	token := f.seedToken(t, "42")

	for range 3 {
		rec := f.do(http.MethodGet, "/auth/tokens", token)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Tokens []json.RawMessage `json:"tokens"`
			Limit  int               `json:"limit"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Tokens, 1)
		assert.Equal(t, 10, body.Limit)
	}
}

func TestTokens_MethodNotAllowed(t *testing.T) {
	rec := newFixture(t).do(http.MethodPut, "/auth/tokens", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Middleware ---

func TestRecover_ReturnsJSON500(t *testing.T) {
	h := Recover(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "server_error")
}

func TestRecover_RepanicsAbortHandler(t *testing.T) {
	h := Recover(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	})
}

func TestLogRequests_OmitsQuery(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := LogRequests(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rss?token=ir_secret", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/rss")
	assert.NotContains(t, buf.String(), "ir_secret")
}

func TestLogRequests_MasksTokenInPath(t *testing.T) {
	var buf strings.Builder
	f := newLoggedFixture(t, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	victim := f.seedToken(t, "42")
	caller := f.seedToken(t, "43")

	rec := f.do(http.MethodDelete, "/auth/tokens/"+victim, caller)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/auth/tokens/"+victim+"/rotate", caller)
	require.Equal(t, http.StatusNotFound, rec.Code)

	out := buf.String()
	assert.Contains(t, out, "path=/auth/tokens/"+auth.TokenHint(victim))
	assert.NotContains(t, out, victim)
	assert.NotContains(t, out, caller)

	_, _, err := f.store.LookupToken(context.Background(), victim)
	assert.NoError(t, err)
}
