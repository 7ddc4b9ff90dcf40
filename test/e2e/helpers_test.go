package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/info-rss/internal/auth"
	"github.com/alexjbarnes/info-rss/internal/feed"
	"github.com/alexjbarnes/info-rss/internal/server"
	"github.com/alexjbarnes/info-rss/internal/state"
)

const testSecret = "e2e-session-secret-that-is-long-enough"

// harness is the full stack: a fake GitLab, the bolt store and the
// real HTTP mux behind an httptest server.
type harness struct {
	URL    string
	Store  *state.State
	Feed   *feed.Cache
	Client *http.Client

	gitlabUser atomic.Value
}

type harnessOptions struct {
	maxTokens int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.maxTokens == 0 {
		opts.maxTokens = 10
	}

	h := &harness{Feed: feed.NewCache()}
	h.gitlabUser.Store(`{"sub":"2001","nickname":"wang","email":"wang@example.edu","name":"Wang Wu"}`)

	gitlab := http.NewServeMux()
	gitlab.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gl-` + r.PostForm.Get("code") + `","token_type":"Bearer"}`))
	})
	gitlab.HandleFunc("/oauth/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer gl-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(h.gitlabUser.Load().(string)))
	})

	gitlabSrv := httptest.NewServer(gitlab)
	t.Cleanup(gitlabSrv.Close)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.Store = store

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	guard, err := auth.NewStateGuard(store, testSecret, 10*time.Minute)
	require.NoError(t, err)

	provider := auth.NewGitLab(auth.GitLabConfig{
		BaseURL:      gitlabSrv.URL,
		ClientID:     "e2e-client",
		ClientSecret: "e2e-secret",
		RedirectURI:  "http://localhost:8000/auth/callback",
		Scopes:       []string{"read_user"},
		Timeout:      5 * time.Second,
	}, nil)

	tokens := auth.NewTokenManager(store, guard, provider, auth.TokenManagerConfig{
		MaxTokensPerUser: opts.maxTokens,
		RotationPeriod:   90 * 24 * time.Hour,
	}, logger)

	// An hour-long short window keeps the second feed request rejected
	// without depending on sub-second timing.
	limiter := auth.NewLimiter(store, auth.LimiterConfig{
		PerSecond:    1,
		PerHour:      10,
		SecondWindow: time.Hour,
		HourWindow:   24 * time.Hour,
	})

	h.Feed.Publish([]feed.Item{
		{ID: "n2", Title: "关于春季学期选课的通知", Link: "https://info.tsinghua.edu.cn/n2", Published: time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC), Department: "教务处", Category: "通知"},
		{ID: "n1", Title: "图书馆开放时间调整", Link: "https://info.tsinghua.edu.cn/n1", Published: time.Date(2026, 2, 19, 9, 0, 0, 0, time.UTC)},
	})

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Gate:   auth.NewGate(store, limiter, logger),
		Tokens: tokens,
		Feed: feed.Handler(h.Feed, feed.Identity{
			Title:       "清华大学信息门户",
			Description: "清华大学信息门户最新通知",
			Link:        "https://info.tsinghua.edu.cn",
			Language:    "zh-CN",
		}, 100, logger),
		Logger: logger,
	}))
	t.Cleanup(srv.Close)

	h.URL = srv.URL
	h.Client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return h
}

// loginState starts a login and returns the state the provider would
// echo back.
func (h *harness) loginState(t *testing.T) string {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/auth/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/oauth/authorize", loc.Path)

	st := loc.Query().Get("state")
	require.NotEmpty(t, st)

	return st
}

func (h *harness) callback(t *testing.T, code, st string) *http.Response {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/auth/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(st))
	require.NoError(t, err)

	return resp
}

type tokenJSON struct {
	Token     string     `json:"token"`
	Label     string     `json:"label"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type loginJSON struct {
	Token tokenJSON `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"user"`
}

// login runs the full browser flow and returns the issued token.
func (h *harness) login(t *testing.T) loginJSON {
	t.Helper()

	resp := h.callback(t, "code-"+auth.RandomHex(4), h.loginState(t))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out loginJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func (h *harness) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, rd)
	require.NoError(t, err)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}
