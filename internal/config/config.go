// Package config loads deploystore settings from DEPLOYSTORE_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Token    string `env:"DEPLOYSTORE_TOKEN"`
	TeamID   string `env:"DEPLOYSTORE_TEAM_ID"`
	TeamName string `env:"DEPLOYSTORE_TEAM_NAME"`

	APIBaseURL       string        `env:"DEPLOYSTORE_API_BASE_URL" envDefault:"https://api.vercel.com"`
	ProjectName      string        `env:"DEPLOYSTORE_PROJECT_NAME" envDefault:"deploydatasave"`
	BaseURL          string        `env:"DEPLOYSTORE_BASE_URL" envDefault:"https://deploydatasave.vercel.app"`
	FileName         string        `env:"DEPLOYSTORE_FILE_NAME" envDefault:"data.json"`
	PropagationDelay time.Duration `env:"DEPLOYSTORE_PROPAGATION_DELAY" envDefault:"2s"`

	MaxAttempts    int           `env:"DEPLOYSTORE_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"DEPLOYSTORE_RETRY_BASE_DELAY" envDefault:"1s"`
	CallsPerWindow int           `env:"DEPLOYSTORE_CALLS_PER_WINDOW" envDefault:"60"`
	RateWindow     time.Duration `env:"DEPLOYSTORE_RATE_WINDOW" envDefault:"1m"`
	MaxQuotaWait   time.Duration `env:"DEPLOYSTORE_MAX_QUOTA_WAIT" envDefault:"0s"`
	HTTPTimeout    time.Duration `env:"DEPLOYSTORE_HTTP_TIMEOUT" envDefault:"30s"`

	CacheTTL      time.Duration `env:"DEPLOYSTORE_CACHE_TTL" envDefault:"5m"`
	CacheMaxBytes int           `env:"DEPLOYSTORE_CACHE_MAX_BYTES" envDefault:"10485760"`
	CacheDSN      string        `env:"DEPLOYSTORE_CACHE_DSN"`

	SyncInterval       time.Duration `env:"DEPLOYSTORE_SYNC_INTERVAL" envDefault:"30s"`
	SyncIntervalJitter float64       `env:"DEPLOYSTORE_SYNC_INTERVAL_JITTER" envDefault:"0.2"`
	SyncTimeout        time.Duration `env:"DEPLOYSTORE_SYNC_TIMEOUT" envDefault:"15s"`
	WatchDebounce      time.Duration `env:"DEPLOYSTORE_WATCH_DEBOUNCE" envDefault:"500ms"`

	Addr            string        `env:"DEPLOYSTORE_ADDR" envDefault:"127.0.0.1:8787"`
	APIToken        string        `env:"DEPLOYSTORE_API_TOKEN"`
	RateLimitMax    int           `env:"DEPLOYSTORE_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"DEPLOYSTORE_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"DEPLOYSTORE_MAX_BODY_BYTES" envDefault:"1048576"`

	OTelEndpoint string `env:"DEPLOYSTORE_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvedCacheDSN falls back to a JSON file in the user cache directory.
func (c Config) ResolvedCacheDSN() string {
	if dsn := strings.TrimSpace(c.CacheDSN); dsn != "" {
		return dsn
	}
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return "file://" + filepath.ToSlash(filepath.Join(dir, "deploystore", "cache.json"))
}
