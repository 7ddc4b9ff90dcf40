package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
)

type contextKey int

const (
	ctxAccess contextKey = iota
	ctxRemoteIP
)

// RequestAccess returns the guarded request's access, if any.
func RequestAccess(ctx context.Context) (Access, bool) {
	v, ok := ctx.Value(ctxAccess).(Access)
	return v, ok
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	a, _ := RequestAccess(ctx)
	return a.User.ID
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// RFC 6750 Section 3.1: no error attribute when no token was provided.
const (
	wwwAuthNoToken = `Bearer realm="info-rss"`
	wwwAuthInvalid = `Bearer realm="info-rss", error="invalid_token"`
)

// Middleware guards a handler with authentication and the request quota.
// Unauthenticated requests get a 401 with WWW-Authenticate, over-quota
// requests a 429 with Retry-After. Admitted responses carry the
// X-RateLimit-* headers.
func Middleware(gate *Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			access, err := gate.Guard(r.Context(), TokenFromRequest(r), gate.now().UTC())
			if err != nil {
				writeGateError(w, r, err, logger, ip)
				return
			}

			setRateLimitHeaders(w.Header(), access.Allowance)

			logger.Debug("middleware: request admitted",
				slog.String("user_id", access.User.ID),
				slog.String("token", TokenHint(access.Token.Value)),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxAccess, access)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser authenticates without charging the request quota. Used for
// token management, so a user who exhausted the feed quota can still
// rotate or revoke tokens.
func RequireUser(gate *Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			user, tok, err := gate.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				writeGateError(w, r, err, logger, ip)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxAccess, Access{User: user, Token: tok})
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

func writeGateError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger, ip string) {
	var (
		authErr *apperrors.AuthError
		rlErr   *apperrors.RateLimitError
	)

	switch {
	case errors.As(err, &authErr):
		logger.Debug("middleware: unauthenticated",
			slog.String("reason", string(authErr.Reason)),
			slog.String("ip", ip),
			slog.String("path", RedactPath(r.URL.Path)),
		)

		if authErr.Reason == apperrors.ReasonMissing {
			w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
		} else {
			w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
		}

		writeJSONError(w, http.StatusUnauthorized, "invalid_token", authErr.Error())

	case errors.As(err, &rlErr):
		logger.Info("middleware: rate limited",
			slog.String("window", rlErr.Window),
			slog.Int("limit", rlErr.Limit),
			slog.String("ip", ip),
		)

		writeRateLimited(w, rlErr)

	default:
		logger.Error("middleware: gate failure",
			slog.String("path", RedactPath(r.URL.Path)),
			slog.String("error", err.Error()),
		)
		sentry.CaptureException(err)

		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")
	}
}

// setRateLimitHeaders writes X-RateLimit-Limit-<Window> and
// X-RateLimit-Remaining-<Window> for each window.
func setRateLimitHeaders(h http.Header, a Allowance) {
	for _, ws := range a.Windows {
		suffix := headerWindowName(ws.Name)
		h.Set("X-RateLimit-Limit-"+suffix, strconv.Itoa(ws.Limit))
		h.Set("X-RateLimit-Remaining-"+suffix, strconv.Itoa(ws.Remaining))
	}
}

func headerWindowName(name string) string {
	if name == "" {
		return name
	}

	return strings.ToUpper(name[:1]) + name[1:]
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

type rateLimitBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	Window      string `json:"window"`
	Limit       int    `json:"limit"`
	RetryAfter  int    `json:"retry_after"`
}

func writeRateLimited(w http.ResponseWriter, e *apperrors.RateLimitError) {
	secs := retryAfterSeconds(e.RetryAfter)

	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
		Error:       "rate_limited",
		Description: e.Error(),
		Window:      e.Window,
		Limit:       e.Limit,
		RetryAfter:  secs,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
