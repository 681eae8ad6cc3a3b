// Package cache provides a Redis-backed cache with an in-memory fallback,
// used to keep hot project lookups off the metadata store.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/metrics"
)

// ErrMiss is returned when a key is absent from both backends.
var ErrMiss = redis.Nil

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache reads and writes JSON values through Redis when available and an
// in-process map otherwise. The fallback keeps single-node deployments and
// tests working with no Redis at all.
type Cache struct {
	client *redis.Client

	memMu sync.RWMutex
	mem   map[string]memEntry
}

// New connects to Redis when a URL is configured. Connection failures degrade
// to the in-memory backend rather than failing startup.
func New(cfg *config.CacheConfig) *Cache {
	c := &Cache{mem: make(map[string]memEntry)}
	if cfg.RedisURL == "" {
		return c
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logging.L().Warn("invalid redis url, using in-memory cache", zap.Error(err))
		return c
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.L().Warn("redis unreachable, using in-memory cache", zap.Error(err))
		client.Close()
		return c
	}

	logging.L().Info("redis cache connected")
	c.client = client
	return c
}

func (c *Cache) backend() string {
	if c.client != nil {
		return "redis"
	}
	return "memory"
}

// GetJSON unmarshals the cached value at key into dest, returning ErrMiss
// when absent or expired.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	var raw []byte
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				metrics.Get().CacheMissesTotal.WithLabelValues("redis").Inc()
			}
			return err
		}
		raw = []byte(val)
	} else {
		c.memMu.RLock()
		entry, ok := c.mem[key]
		c.memMu.RUnlock()
		if !ok || time.Now().After(entry.expiresAt) {
			metrics.Get().CacheMissesTotal.WithLabelValues("memory").Inc()
			return ErrMiss
		}
		raw = entry.value
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return err
	}
	metrics.Get().CacheHitsTotal.WithLabelValues(c.backend()).Inc()
	return nil
}

// SetJSON stores value at key for ttl.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.client != nil {
		return c.client.Set(ctx, key, raw, ttl).Err()
	}
	c.memMu.Lock()
	c.mem[key] = memEntry{value: raw, expiresAt: time.Now().Add(ttl)}
	c.memMu.Unlock()
	return nil
}

// Delete removes keys from whichever backend is active.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.client != nil {
		return c.client.Del(ctx, keys...).Err()
	}
	c.memMu.Lock()
	for _, k := range keys {
		delete(c.mem, k)
	}
	c.memMu.Unlock()
	return nil
}

// Close releases the Redis connection if one is open.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
