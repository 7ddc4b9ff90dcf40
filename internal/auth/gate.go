package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

// APITokenHeader is the preferred header for presenting a token.
const APITokenHeader = "X-API-Token"

// Access is what a guarded request is allowed to act as.
type Access struct {
	User      models.User
	Token     models.AuthToken
	Allowance Allowance
}

// Gate authenticates presented tokens and charges admitted requests to
// the owner's quota.
type Gate struct {
	store   IdentityStore
	limiter *Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate creates a request gate.
func NewGate(store IdentityStore, limiter *Limiter, logger *slog.Logger) *Gate {
	return &Gate{store: store, limiter: limiter, logger: logger, now: time.Now}
}

// TokenFromRequest extracts a presented token. The X-API-Token header
// wins over an Authorization bearer, which wins over the token query
// parameter. Returns "" when none is present.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(APITokenHeader)); v != "" {
		return v
	}

	if scheme, v, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate resolves a presented token to its owner. Failures are
// *AuthError values matching ErrUnauthenticated.
func (g *Gate) Authenticate(ctx context.Context, presented string) (models.User, models.AuthToken, error) {
	return g.authenticate(ctx, presented, g.now().UTC())
}

func (g *Gate) authenticate(ctx context.Context, presented string, now time.Time) (models.User, models.AuthToken, error) {
	if presented == "" {
		return models.User{}, models.AuthToken{}, &apperrors.AuthError{Reason: apperrors.ReasonMissing}
	}

	tok, user, err := g.store.LookupToken(ctx, presented)
	if errors.Is(err, apperrors.ErrNotFound) {
		return models.User{}, models.AuthToken{}, &apperrors.AuthError{Reason: apperrors.ReasonUnknown}
	}

	if err != nil {
		return models.User{}, models.AuthToken{}, fmt.Errorf("looking up token: %w", err)
	}

	if tok.Expired(now) {
		return models.User{}, models.AuthToken{}, &apperrors.AuthError{Reason: apperrors.ReasonExpired}
	}

	// Last-used is informational; a failed write never blocks the request.
	if err := g.store.TouchToken(ctx, tok.Value, now); err != nil {
		g.logger.Warn("recording token use failed",
			slog.String("user_id", user.ID),
			slog.String("token", TokenHint(tok.Value)),
			slog.String("error", err.Error()),
		)
	} else {
		tok.LastUsedAt = &now
	}

	return user, tok, nil
}

// Guard authenticates then admits one request at now.
func (g *Gate) Guard(ctx context.Context, presented string, now time.Time) (Access, error) {
	user, tok, err := g.authenticate(ctx, presented, now)
	if err != nil {
		return Access{}, err
	}

	allowance, err := g.limiter.Admit(ctx, user.ID, now)
	if err != nil {
		return Access{}, err
	}

	return Access{User: user, Token: tok, Allowance: allowance}, nil
}
