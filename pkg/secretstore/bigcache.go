package secretstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// BigCache keeps secrets in an in-process bigcache. Every entry lives for the
// cache's life window, the per call ttl is not used.
type BigCache struct {
	cache *bigcache.BigCache
}

// NewBigCache creates a store whose entries expire after lifeWindow
func NewBigCache(ctx context.Context, lifeWindow time.Duration) (*BigCache, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.Shards = 16
	cfg.CleanWindow = time.Minute
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 2048
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigcache: %w", err)
	}
	return &BigCache{cache: cache}, nil
}

// Save implements SecretStore
func (b *BigCache) Save(_ context.Context, key string, value []byte, _ time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.cache.Set(key, value)
}

// Load implements SecretStore
func (b *BigCache) Load(_ context.Context, key string) ([]byte, error) {
	v, err := b.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Clear implements SecretStore
func (b *BigCache) Clear(_ context.Context, key string) error {
	err := b.cache.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

// Close releases the cache
func (b *BigCache) Close() error {
	return b.cache.Close()
}
