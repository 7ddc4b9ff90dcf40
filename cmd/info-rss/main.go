package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/info-rss/internal/auth"
	"github.com/alexjbarnes/info-rss/internal/config"
	"github.com/alexjbarnes/info-rss/internal/feed"
	"github.com/alexjbarnes/info-rss/internal/logging"
	"github.com/alexjbarnes/info-rss/internal/postgres"
	"github.com/alexjbarnes/info-rss/internal/server"
	"github.com/alexjbarnes/info-rss/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type closingStore interface {
	auth.Store
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (closingStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxOpenConns,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		})
	default:
		return state.LoadAt(cfg.StatePath)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel)
	logger.Info("info-rss starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreDriver),
	)

	if err := logging.InitSentry(cfg.SentryDSN, cfg.Environment, Version); err != nil {
		logger.Warn("sentry disabled", slog.String("error", err.Error()))
	}
	defer logging.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	guard, err := auth.NewStateGuard(store, cfg.SessionSecret, cfg.OAuthStateTTL)
	if err != nil {
		return fmt.Errorf("creating state guard: %w", err)
	}

	provider := auth.NewGitLab(auth.GitLabConfig{
		BaseURL:      cfg.GitLabURL,
		ClientID:     cfg.GitLabClientID,
		ClientSecret: cfg.GitLabClientSecret,
		RedirectURI:  cfg.GitLabRedirectURI,
		Scopes:       cfg.GitLabScopes,
		Timeout:      cfg.ProviderTimeout,
	}, nil)

	tokens := auth.NewTokenManager(store, guard, provider, auth.TokenManagerConfig{
		MaxTokensPerUser: cfg.MaxTokensPerUser,
		RotationPeriod:   cfg.TokenRotationPeriod,
	}, logger)

	limiter := auth.NewLimiter(store, auth.LimiterConfig{
		PerSecond:    cfg.RateLimitPerSecond,
		PerHour:      cfg.RateLimitPerHour,
		SecondWindow: cfg.RateLimitWindowSecond,
		HourWindow:   cfg.RateLimitWindowHour,
	})

	gate := auth.NewGate(store, limiter, logger)
	sweeper := auth.NewSweeper(store, store, limiter.Retention(), guard.TTL(), cfg.ReaperInterval, logger)

	// The collector publishes into this cache; until it does the feed is
	// served empty.
	items := feed.NewCache()
	identity := feed.Identity{
		Title:       cfg.FeedTitle,
		Description: cfg.FeedDescription,
		Link:        cfg.FeedLink,
		SelfLink:    cfg.FeedSelfLink(),
		Language:    cfg.FeedLanguage,
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Gate:   gate,
			Tokens: tokens,
			Feed:   feed.Handler(items, identity, cfg.MaxRSSItems, logger),
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
