package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.vercel.com" {
		t.Fatalf("expected default api base url, got %q", cfg.APIBaseURL)
	}
	if cfg.PropagationDelay != 2*time.Second || cfg.RetryBaseDelay != time.Second {
		t.Fatalf("unexpected delays: %s %s", cfg.PropagationDelay, cfg.RetryBaseDelay)
	}
	if cfg.MaxAttempts != 3 || cfg.CallsPerWindow != 60 || cfg.RateWindow != time.Minute {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg)
	}
	if cfg.CacheTTL != 5*time.Minute || cfg.CacheMaxBytes != 10*1024*1024 {
		t.Fatalf("unexpected cache defaults: %s %d", cfg.CacheTTL, cfg.CacheMaxBytes)
	}
	if cfg.SyncInterval != 30*time.Second || cfg.SyncIntervalJitter != 0.2 || cfg.WatchDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected sync defaults: %s %f %s", cfg.SyncInterval, cfg.SyncIntervalJitter, cfg.WatchDebounce)
	}
	if cfg.MaxBodyBytes != 1<<20 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected server defaults: %d %s", cfg.MaxBodyBytes, cfg.RateLimitWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEPLOYSTORE_TOKEN", "tok_1")
	t.Setenv("DEPLOYSTORE_MAX_ATTEMPTS", "5")
	t.Setenv("DEPLOYSTORE_CACHE_TTL", "30s")
	t.Setenv("DEPLOYSTORE_CACHE_DSN", "memory://")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "tok_1" || cfg.MaxAttempts != 5 || cfg.CacheTTL != 30*time.Second {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
	if cfg.ResolvedCacheDSN() != "memory://" {
		t.Fatalf("expected explicit dsn, got %q", cfg.ResolvedCacheDSN())
	}
}

func TestResolvedCacheDSNDefaultsToFile(t *testing.T) {
	dsn := Config{}.ResolvedCacheDSN()
	if !strings.HasPrefix(dsn, "file://") || !strings.HasSuffix(dsn, "deploystore/cache.json") {
		t.Fatalf("expected file dsn in cache dir, got %q", dsn)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("DEPLOYSTORE_MAX_ATTEMPTS", "many")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
