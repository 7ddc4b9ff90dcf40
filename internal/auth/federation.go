package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

//go:generate mockgen -source=federation.go -destination=mock_provider_test.go -package=auth

// Provider is the external identity provider.
type Provider interface {
	// AuthorizationURL is where the browser is sent to sign in.
	AuthorizationURL(state string) string
	// ExchangeCode trades an authorization code for an access token.
	ExchangeCode(ctx context.Context, code string) (string, error)
	// FetchProfile reads the signed-in user's profile.
	FetchProfile(ctx context.Context, accessToken string) (models.FederatedProfile, error)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxProviderResponseBytes caps response body reads to prevent a
	// misbehaving provider from consuming unbounded memory.
	maxProviderResponseBytes = 1024 * 1024

	defaultProviderTimeout = 10 * time.Second
)

// GitLabConfig describes an OAuth application registered on a GitLab
// instance.
type GitLabConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// Timeout bounds each call to the provider. Zero means 10s.
	Timeout time.Duration
}

// GitLab is a Provider for GitLab's OAuth2 and OIDC userinfo endpoints.
type GitLab struct {
	oauth       *oauth2.Config
	httpClient  *http.Client
	userInfoURL string
	timeout     time.Duration
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never reaches
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewGitLab creates a provider client. If httpClient is nil, a client
// with the same-host redirect policy is created.
func NewGitLab(cfg GitLabConfig, httpClient *http.Client) *GitLab {
	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	return &GitLab{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:  httpClient,
		userInfoURL: base + "/oauth/userinfo",
		timeout:     timeout,
	}
}

// AuthorizationURL builds the provider sign-in URL carrying state.
func (g *GitLab) AuthorizationURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// ExchangeCode posts the code to the token endpoint. Any failure wraps
// ErrExchangeFailed. There is no retry.
func (g *GitLab) ExchangeCode(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrExchangeFailed, err)
	}

	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: response carried no access token", apperrors.ErrExchangeFailed)
	}

	return tok.AccessToken, nil
}

// FetchProfile reads the userinfo endpoint. Both the OIDC claim names and
// GitLab's REST user fields are accepted.
func (g *GitLab) FetchProfile(ctx context.Context, accessToken string) (models.FederatedProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return models.FederatedProfile{}, fmt.Errorf("%w: creating request: %w", apperrors.ErrProfileFetchFailed, err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.FederatedProfile{}, fmt.Errorf("%w: %w", apperrors.ErrProfileFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return models.FederatedProfile{}, fmt.Errorf("%w: reading response: %w", apperrors.ErrProfileFetchFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.FederatedProfile{}, fmt.Errorf("%w: status %d: %s",
			apperrors.ErrProfileFetchFailed, resp.StatusCode, sanitizeResponseBody(body))
	}

	return parseProfile(body)
}

func parseProfile(body []byte) (models.FederatedProfile, error) {
	if !gjson.ValidBytes(body) {
		return models.FederatedProfile{}, fmt.Errorf("%w: malformed json", apperrors.ErrProfileFetchFailed)
	}

	doc := gjson.ParseBytes(body)

	p := models.FederatedProfile{
		ID:        firstString(doc, "sub", "id"),
		Username:  firstString(doc, "nickname", "preferred_username", "username"),
		Email:     firstString(doc, "email"),
		Name:      norm.NFC.String(firstString(doc, "name")),
		AvatarURL: firstString(doc, "picture", "avatar_url"),
	}

	if p.ID == "" {
		return models.FederatedProfile{}, fmt.Errorf("%w: profile has no subject id", apperrors.ErrProfileFetchFailed)
	}

	if p.Username == "" {
		p.Username = p.ID
	}

	return p, nil
}

// firstString returns the first non-empty scalar among paths. Numeric ids
// are rendered in decimal.
func firstString(doc gjson.Result, paths ...string) string {
	for _, path := range paths {
		r := doc.Get(path)
		if !r.Exists() || r.IsObject() || r.IsArray() {
			continue
		}

		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}

	return ""
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
