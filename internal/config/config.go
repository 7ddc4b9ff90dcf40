package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// sessionSecretMinLen is the minimum SESSION_SECRET length. The secret keys
// the OAuth state signatures, so anything shorter is guessable offline.
const sessionSecretMinLen = 32

// Config holds all environment-based configuration for info-rss.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// HTTP listener and the public base URL used to build links.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`
	ServerURL  string `env:"SERVER_URL" envDefault:"http://localhost:8000"`

	// Storage. The bolt driver keeps everything in a single file and suits
	// one instance; postgres is required when several instances share
	// tokens and rate-limit counters.
	StoreDriver    string `env:"STORE_DRIVER" envDefault:"bolt"`
	StatePath      string `env:"STATE_PATH"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`

	// GitLab OAuth application.
	GitLabURL          string   `env:"GITLAB_URL" envDefault:"https://git.tsinghua.edu.cn"`
	GitLabClientID     string   `env:"GITLAB_CLIENT_ID"`
	GitLabClientSecret string   `env:"GITLAB_CLIENT_SECRET"`
	GitLabRedirectURI  string   `env:"GITLAB_REDIRECT_URI" envDefault:"http://localhost:8000/auth/callback"`
	GitLabScopes       []string `env:"GITLAB_SCOPES" envDefault:"read_user" envSeparator:","`

	SessionSecret   string        `env:"SESSION_SECRET"`
	OAuthStateTTL   time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	// Token lifecycle. A zero rotation period disables expiry.
	MaxTokensPerUser    int           `env:"MAX_TOKENS_PER_USER" envDefault:"10"`
	TokenRotationPeriod time.Duration `env:"TOKEN_ROTATION_PERIOD" envDefault:"2160h"`

	// Per-user request quotas on the feed.
	RateLimitPerSecond    int           `env:"RATE_LIMIT_PER_SECOND" envDefault:"1"`
	RateLimitPerHour      int           `env:"RATE_LIMIT_PER_HOUR" envDefault:"10"`
	RateLimitWindowSecond time.Duration `env:"RATE_LIMIT_WINDOW_SECOND" envDefault:"1s"`
	RateLimitWindowHour   time.Duration `env:"RATE_LIMIT_WINDOW_HOUR" envDefault:"1h"`
	ReaperInterval        time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	SentryDSN string `env:"SENTRY_DSN"`

	// Feed channel metadata.
	FeedTitle       string `env:"FEED_TITLE" envDefault:"清华大学信息门户"`
	FeedDescription string `env:"FEED_DESCRIPTION" envDefault:"清华大学信息门户最新通知"`
	FeedLink        string `env:"FEED_LINK" envDefault:"https://info.tsinghua.edu.cn"`
	FeedLanguage    string `env:"FEED_LANGUAGE" envDefault:"zh-CN"`
	MaxRSSItems     int    `env:"MAX_RSS_ITEMS" envDefault:"100"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.GitLabURL = strings.TrimRight(cfg.GitLabURL, "/")
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreDriver == DriverBolt {
		if cfg.StatePath == "" {
			path, err := DefaultStatePath()
			if err != nil {
				return nil, err
			}

			cfg.StatePath = path
		}

		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverBolt:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}

		if c.DBMaxOpenConns < 1 {
			return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverBolt, DriverPostgres, c.StoreDriver)
	}

	if c.GitLabClientID == "" {
		return fmt.Errorf("GITLAB_CLIENT_ID is required")
	}

	if c.GitLabClientSecret == "" {
		return fmt.Errorf("GITLAB_CLIENT_SECRET is required")
	}

	if err := requireAbsoluteURL("GITLAB_URL", c.GitLabURL); err != nil {
		return err
	}

	if err := requireAbsoluteURL("GITLAB_REDIRECT_URI", c.GitLabRedirectURI); err != nil {
		return err
	}

	if len(c.SessionSecret) < sessionSecretMinLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", sessionSecretMinLen)
	}

	if c.OAuthStateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.MaxTokensPerUser < 1 {
		return fmt.Errorf("MAX_TOKENS_PER_USER must be at least 1")
	}

	if c.TokenRotationPeriod < 0 {
		return fmt.Errorf("TOKEN_ROTATION_PERIOD must not be negative")
	}

	if c.RateLimitPerSecond < 1 || c.RateLimitPerHour < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND and RATE_LIMIT_PER_HOUR must be at least 1")
	}

	if c.RateLimitWindowSecond <= 0 || c.RateLimitWindowHour <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECOND and RATE_LIMIT_WINDOW_HOUR must be positive")
	}

	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}

	if c.MaxRSSItems < 1 {
		return fmt.Errorf("MAX_RSS_ITEMS must be at least 1")
	}

	return nil
}

func requireAbsoluteURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}

	return nil
}

// DefaultStatePath returns the default bolt database location:
// ~/.info-rss/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".info-rss", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// FeedSelfLink is the absolute URL of the gated feed endpoint.
func (c *Config) FeedSelfLink() string {
	return c.ServerURL + "/rss"
}
