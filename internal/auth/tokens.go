package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

const (
	// TokenPrefix marks values issued by this service.
	TokenPrefix = "ir_"

	// tokenBytes is the random payload size. 32 bytes gives 256 bits.
	tokenBytes = 32

	LoginTokenLabel   = "login"
	DefaultTokenLabel = "default"

	maxLabelRunes = 100
)

// TokenManagerConfig holds the token lifecycle limits.
type TokenManagerConfig struct {
	MaxTokensPerUser int
	// RotationPeriod sets each token's expiry relative to its creation.
	// Zero issues tokens that never expire.
	RotationPeriod time.Duration
}

// LoginResult is the outcome of a completed sign-in.
type LoginResult struct {
	User  models.User
	Token models.AuthToken
}

// TokenManager owns sign-in completion and the create, list, delete and
// rotate operations on a user's API tokens.
type TokenManager struct {
	store     IdentityStore
	states    *StateGuard
	provider  Provider
	maxTokens int
	rotation  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewTokenManager wires the token lifecycle to its collaborators.
func NewTokenManager(store IdentityStore, states *StateGuard, provider Provider, cfg TokenManagerConfig, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		store:     store,
		states:    states,
		provider:  provider,
		maxTokens: cfg.MaxTokensPerUser,
		rotation:  cfg.RotationPeriod,
		logger:    logger,
		now:       time.Now,
	}
}

// MaxTokens is the per-user token cap.
func (m *TokenManager) MaxTokens() int {
	return m.maxTokens
}

// LoginURL issues a state value and returns the provider sign-in URL.
func (m *TokenManager) LoginURL(ctx context.Context) (string, error) {
	state, err := m.states.Issue(ctx)
	if err != nil {
		return "", err
	}

	return m.provider.AuthorizationURL(state), nil
}

// CompleteLogin finishes the authorization-code flow. The state is
// consumed first, so a second callback with the same state fails with
// ErrReplayedState. User and token are written in a single transaction
// after every external call has succeeded.
func (m *TokenManager) CompleteLogin(ctx context.Context, code, state string) (LoginResult, error) {
	if err := m.states.Consume(ctx, state); err != nil {
		return LoginResult{}, err
	}

	if code == "" {
		return LoginResult{}, fmt.Errorf("%w: missing authorization code", apperrors.ErrExchangeFailed)
	}

	accessToken, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		return LoginResult{}, err
	}

	profile, err := m.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		return LoginResult{}, err
	}

	now := m.now().UTC()

	user, tok, err := m.store.LoginUser(ctx, profile, m.newToken("", LoginTokenLabel, now), m.maxTokens, now)
	if err != nil {
		return LoginResult{}, fmt.Errorf("completing login: %w", err)
	}

	m.logger.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("token", TokenHint(tok.Value)),
	)

	return LoginResult{User: user, Token: tok}, nil
}

// CreateToken issues a new token for userID.
func (m *TokenManager) CreateToken(ctx context.Context, userID, label string) (models.AuthToken, error) {
	tok, err := m.store.CreateToken(ctx, m.newToken(userID, NormalizeLabel(label), m.now().UTC()), m.maxTokens)
	if err != nil {
		return models.AuthToken{}, fmt.Errorf("creating token: %w", err)
	}

	m.logger.Info("token created",
		slog.String("user_id", userID),
		slog.String("token", TokenHint(tok.Value)),
		slog.String("label", tok.Label),
	)

	return tok, nil
}

// ListTokens returns the user's tokens in creation order.
func (m *TokenManager) ListTokens(ctx context.Context, userID string) ([]models.AuthToken, error) {
	return m.store.ListTokens(ctx, userID)
}

// DeleteToken revokes a token. Unknown and foreign tokens both yield
// ErrTokenNotOwned.
func (m *TokenManager) DeleteToken(ctx context.Context, userID, value string) error {
	if err := m.store.DeleteToken(ctx, userID, value); err != nil {
		return ownership(err)
	}

	m.logger.Info("token deleted",
		slog.String("user_id", userID),
		slog.String("token", TokenHint(value)),
	)

	return nil
}

// RotateToken replaces a token with a fresh value carrying the same
// label. The old value stops working at the same instant.
func (m *TokenManager) RotateToken(ctx context.Context, userID, value string) (models.AuthToken, error) {
	tok, err := m.store.RotateToken(ctx, userID, value, m.newToken(userID, "", m.now().UTC()))
	if err != nil {
		return models.AuthToken{}, ownership(err)
	}

	m.logger.Info("token rotated",
		slog.String("user_id", userID),
		slog.String("old_token", TokenHint(value)),
		slog.String("token", TokenHint(tok.Value)),
	)

	return tok, nil
}

func (m *TokenManager) newToken(userID, label string, now time.Time) models.AuthToken {
	t := models.AuthToken{
		Value:     TokenPrefix + RandomHex(tokenBytes),
		UserID:    userID,
		Label:     label,
		CreatedAt: now,
	}

	if m.rotation > 0 {
		exp := now.Add(m.rotation)
		t.ExpiresAt = &exp
	}

	return t
}

func ownership(err error) error {
	if errors.Is(err, apperrors.ErrNotOwner) || errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrTokenNotOwned
	}

	return err
}

// NormalizeLabel trims, NFC-normalizes and caps a user-supplied label.
// Control characters are dropped. An empty result becomes "default".
func NormalizeLabel(label string) string {
	label = norm.NFC.String(strings.TrimSpace(label))

	label = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, label)

	if runes := []rune(label); len(runes) > maxLabelRunes {
		label = string(runes[:maxLabelRunes])
	}

	label = strings.TrimSpace(label)
	if label == "" {
		return DefaultTokenLabel
	}

	return label
}

// TokenHint returns a short non-secret prefix of a token for logs.
func TokenHint(value string) string {
	const keep = len(TokenPrefix) + 6
	if len(value) <= keep {
		return "***"
	}

	return value[:keep] + "..."
}

// RedactPath masks token values carried in a request path so the path can
// be logged. Segments that follow "tokens" or carry the token prefix are
// reduced to their TokenHint.
func RedactPath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if seg == "" {
			continue
		}

		if strings.HasPrefix(seg, TokenPrefix) || (i > 0 && segs[i-1] == "tokens") {
			segs[i] = TokenHint(seg)
		}
	}

	return strings.Join(segs, "/")
}
