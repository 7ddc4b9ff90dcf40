package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

// maxTokenRequestBytes caps the create-token request body.
const maxTokenRequestBytes = 4096

type tokenResponse struct {
	Token      string     `json:"token"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type loginResponse struct {
	Token tokenResponse `json:"token"`
	User  userResponse  `json:"user"`
}

type tokenListResponse struct {
	Tokens []tokenResponse `json:"tokens"`
	Limit  int             `json:"limit"`
}

func newTokenResponse(t models.AuthToken) tokenResponse {
	return tokenResponse{
		Token:      t.Value,
		Label:      t.Label,
		CreatedAt:  t.CreatedAt,
		LastUsedAt: t.LastUsedAt,
		ExpiresAt:  t.ExpiresAt,
	}
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
	}
}

// HandleLogin redirects the browser to the identity provider with a
// freshly issued state value.
func HandleLogin(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := tm.LoginURL(r.Context())
		if err != nil {
			internalError(w, r, logger, "issuing oauth state", err)
			return
		}

		http.Redirect(w, r, target, http.StatusFound)
	}
}

// HandleCallback completes sign-in and returns the login token.
func HandleCallback(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if providerErr := q.Get("error"); providerErr != "" {
			logger.Info("callback: provider returned error",
				slog.String("error", providerErr),
				slog.String("ip", remoteIP(r)),
			)
			writeJSONError(w, http.StatusBadRequest, "access_denied", "sign-in was not completed at the identity provider")

			return
		}

		res, err := tm.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			writeLoginError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, loginResponse{
			Token: newTokenResponse(res.Token),
			User:  newUserResponse(res.User),
		})
	}
}

func writeLoginError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var quota *apperrors.QuotaError

	switch {
	case errors.Is(err, apperrors.ErrInvalidState),
		errors.Is(err, apperrors.ErrExpiredState),
		errors.Is(err, apperrors.ErrReplayedState):
		logger.Info("callback: rejected state",
			slog.String("error", err.Error()),
			slog.String("ip", remoteIP(r)),
		)
		writeJSONError(w, http.StatusBadRequest, "invalid_state", err.Error())

	case errors.Is(err, apperrors.ErrExchangeFailed),
		errors.Is(err, apperrors.ErrProfileFetchFailed):
		logger.Warn("callback: federation failed",
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusBadGateway, "federation_failed", "identity provider sign-in failed, start again from /auth/login")

	case errors.As(err, &quota):
		writeJSONError(w, http.StatusConflict, "token_quota_exceeded", quota.Error()+"; delete or rotate an existing token")

	default:
		internalError(w, r, logger, "completing login", err)
	}
}

// HandleListTokens lists the caller's tokens.
func HandleListTokens(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokens, err := tm.ListTokens(r.Context(), RequestUserID(r.Context()))
		if err != nil {
			internalError(w, r, logger, "listing tokens", err)
			return
		}

		resp := tokenListResponse{Tokens: make([]tokenResponse, 0, len(tokens)), Limit: tm.MaxTokens()}
		for _, t := range tokens {
			resp.Tokens = append(resp.Tokens, newTokenResponse(t))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type createTokenRequest struct {
	Label string `json:"label"`
}

// HandleCreateToken issues a token for the caller. The body is optional.
func HandleCreateToken(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTokenRequest

		r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		tok, err := tm.CreateToken(r.Context(), RequestUserID(r.Context()), req.Label)
		if err != nil {
			var quota *apperrors.QuotaError
			if errors.As(err, &quota) {
				writeJSONError(w, http.StatusConflict, "token_quota_exceeded", quota.Error())
				return
			}

			internalError(w, r, logger, "creating token", err)

			return
		}

		writeJSON(w, http.StatusCreated, newTokenResponse(tok))
	}
}

// HandleDeleteToken revokes the token named in the path.
func HandleDeleteToken(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := tm.DeleteToken(r.Context(), RequestUserID(r.Context()), r.PathValue("token"))
		if err != nil {
			if errors.Is(err, apperrors.ErrTokenNotOwned) {
				logNotOwned(r, logger, "delete")
				writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
				return
			}

			internalError(w, r, logger, "deleting token", err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRotateToken replaces the token named in the path.
func HandleRotateToken(tm *TokenManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := tm.RotateToken(r.Context(), RequestUserID(r.Context()), r.PathValue("token"))
		if err != nil {
			if errors.Is(err, apperrors.ErrTokenNotOwned) {
				logNotOwned(r, logger, "rotate")
				writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
				return
			}

			internalError(w, r, logger, "rotating token", err)

			return
		}

		writeJSON(w, http.StatusCreated, newTokenResponse(tok))
	}
}

// requestIP prefers the address recorded by the auth middleware.
func requestIP(r *http.Request) string {
	if ip := RequestRemoteIP(r.Context()); ip != "" {
		return ip
	}

	return remoteIP(r)
}

// logNotOwned records a management call on a token the caller does not
// hold. Repeated hits from one user are worth noticing.
func logNotOwned(r *http.Request, logger *slog.Logger, op string) {
	logger.Info("token "+op+": not found or not owned",
		slog.String("user_id", RequestUserID(r.Context())),
		slog.String("token", TokenHint(r.PathValue("token"))),
		slog.String("ip", requestIP(r)),
	)
}

func internalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	logger.Error(op+" failed",
		slog.String("path", RedactPath(r.URL.Path)),
		slog.String("user_id", RequestUserID(r.Context())),
		slog.String("ip", requestIP(r)),
		slog.String("error", err.Error()),
	)
	sentry.CaptureException(err)

	writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")
}
