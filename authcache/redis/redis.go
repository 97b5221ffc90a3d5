// Package redis provides a Redis-backed authcache.Cache for deployments that
// run more than one bridge instance behind a load balancer. Redis expires keys
// natively, so Sweep is a no-op here.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/tradcast/bridge/authcache"
)

// Config for the Redis-backed cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUTHCACHE_KEY_PREFIX
	KeyPrefix string `env:"AUTHCACHE_KEY_PREFIX,default=tradcast:authcache:"`
}

type Cache struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Cache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tradcast:authcache:"
	}
	return &Cache{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv() (*Cache, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (c *Cache) key(credential string) string {
	return c.keyPrefix + authcache.HashCredential(credential)
}

func (c *Cache) Lookup(ctx context.Context, credential string) (int64, bool, error) {
	val, err := c.client.Get(ctx, c.key(credential)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}
	fid, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// A corrupt value is treated as absent rather than poisoning lookups.
		_ = c.client.Del(ctx, c.key(credential)).Err()
		return 0, false, nil
	}
	return fid, true, nil
}

func (c *Cache) Store(ctx context.Context, credential string, fid int64) error {
	if err := c.client.Set(ctx, c.key(credential), strconv.FormatInt(fid, 10), authcache.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, credential string) error {
	if err := c.client.Del(ctx, c.key(credential)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis evicts expired keys itself.
func (c *Cache) Sweep(ctx context.Context) error { return nil }

func (c *Cache) Close() error { return c.client.Close() }
