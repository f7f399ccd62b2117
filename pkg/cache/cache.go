// Package cache provides a TTL read-through cache backed by Redis, with an
// in-process fallback when no Redis is configured. Entries may vanish at
// any time; callers must treat every value as rebuildable.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/pkg/logger"
)

// Loader produces a value on cache miss.
type Loader func(ctx context.Context) (any, error)

// Cache is a TTL read-through cache. Concurrent misses on the same key are
// collapsed into one loader call.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// New creates a cache. With no Redis URL configured it runs purely
// in-process.
func New(cfg *config.Config, log *slog.Logger) (*Cache, error) {
	c := &Cache{
		log:     log.With(logger.Scope("cache")),
		entries: make(map[string]memoryEntry),
	}

	if cfg.Redis.IsConfigured() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		c.rdb = redis.NewClient(opts)
		c.log.Info("cache using redis", slog.String("addr", opts.Addr))
	} else {
		c.log.Info("cache using in-process store")
	}

	return c, nil
}

// GetOrLoad returns the cached value for key, or runs the loader and caches
// its result for ttl. The destination must be a JSON-unmarshalable pointer.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, load Loader) error {
	if data, ok := c.get(ctx, key); ok {
		if err := json.Unmarshal(data, dest); err == nil {
			return nil
		}
		// Corrupt entry: fall through and rebuild
		c.Delete(ctx, key)
	}

	data, err, _ := c.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, encoded, ttl)
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data.([]byte), dest)
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.log.Warn("cache delete failed", slog.String("key", key), logger.Error(err))
		}
		return
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, false
		}
		if err != nil {
			c.log.Warn("cache read failed", slog.String("key", key), logger.Error(err))
			return nil, false
		}
		return data, true
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (c *Cache) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			c.log.Warn("cache write failed", slog.String("key", key), logger.Error(err))
		}
		return
	}

	c.mu.Lock()
	c.entries[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
