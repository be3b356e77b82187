package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys that hold the session credential. They survive a quota purge.
const (
	KeyToken    = "token"
	KeyTeamID   = "teamId"
	KeyTeamName = "teamName"
)

var DefaultEssentialKeys = []string{KeyToken, KeyTeamID, KeyTeamName}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// EssentialKeys defaults to DefaultEssentialKeys.
	EssentialKeys []string
	Logger        Logger
}

// Cache stores JSON values on a Backend. When the backend is full, Set drops
// every non-essential key once and retries the write once.
type Cache struct {
	backend   Backend
	essential map[string]struct{}
	logger    Logger
}

func NewCache(backend Backend, opts Options) *Cache {
	keys := opts.EssentialKeys
	if keys == nil {
		keys = DefaultEssentialKeys
	}
	essential := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		essential[key] = struct{}{}
	}
	return &Cache{backend: backend, essential: essential, logger: opts.Logger}
}

// Open builds the backend for dsn and wraps it.
func Open(dsn string, opts Options) (*Cache, error) {
	backend, err := BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewCache(backend, opts), nil
}

// Get decodes the value stored under key into out. It reports false when the
// key is absent.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	err = c.backend.Set(ctx, key, data)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	c.logf("persistent cache full writing %s; purging non-essential keys", key)
	purged, purgeErr := c.PurgeNonEssential(ctx)
	if purgeErr != nil {
		return errors.Join(err, fmt.Errorf("purge persistent cache: %w", purgeErr))
	}
	if err := c.backend.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write %s after purging %d keys: %w", key, purged, err)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.backend.Keys(ctx)
}

// PurgeNonEssential deletes every key outside the essential set and returns
// how many were removed.
func (c *Cache) PurgeNonEssential(ctx context.Context) (int, error) {
	keys, err := c.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, key := range keys {
		if c.IsEssential(key) {
			continue
		}
		if err := c.backend.Delete(ctx, key); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (c *Cache) IsEssential(key string) bool {
	_, ok := c.essential[key]
	return ok
}

func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
