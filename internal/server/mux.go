// Package server wires the HTTP surface of info-rss.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/info-rss/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gate   *auth.Gate
	Tokens *auth.TokenManager
	Feed   http.Handler
	Logger *slog.Logger
}

// NewMux builds the router. Login endpoints are public, token management
// requires a valid token, and the feed additionally passes the rate
// limiter. Every request goes through panic recovery and access logging.
func NewMux(cfg MuxConfig) http.Handler {
	requireUser := auth.RequireUser(cfg.Gate, cfg.Logger)
	guard := auth.Middleware(cfg.Gate, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("GET /auth/login", auth.HandleLogin(cfg.Tokens, cfg.Logger))
	mux.Handle("GET /auth/callback", auth.HandleCallback(cfg.Tokens, cfg.Logger))
	mux.Handle("GET /auth/tokens", requireUser(auth.HandleListTokens(cfg.Tokens, cfg.Logger)))
	mux.Handle("POST /auth/tokens", requireUser(auth.HandleCreateToken(cfg.Tokens, cfg.Logger)))
	mux.Handle("DELETE /auth/tokens/{token}", requireUser(auth.HandleDeleteToken(cfg.Tokens, cfg.Logger)))
	mux.Handle("POST /auth/tokens/{token}/rotate", requireUser(auth.HandleRotateToken(cfg.Tokens, cfg.Logger)))
	mux.Handle("GET /rss", guard(cfg.Feed))
	mux.HandleFunc("GET /health", handleHealth)

	return Recover(cfg.Logger, LogRequests(cfg.Logger, mux))
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
