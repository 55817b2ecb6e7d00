package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediafetch/backend/internal/logger"
)

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Cache is a namespaced key/value cache on top of Redis.
type Cache struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

func New(client *redis.Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		log:    logger.Default().WithComponent("cache"),
	}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		c.log.Debug(ctx, "cache miss", map[string]interface{}{"key": key})
		return "", false
	}
	if err != nil {
		c.log.WarnErr(ctx, "cache get failed", err, map[string]interface{}{"key": key})
		return "", false
	}
	c.log.Debug(ctx, "cache hit", map[string]interface{}{"key": key})
	return val, true
}

func (c *Cache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.log.WarnErr(ctx, "cache set failed", err, map[string]interface{}{"key": key})
		return err
	}
	return nil
}

// GetJSON decodes a cached JSON value into dst. Decode failures count as a
// miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.log.WarnErr(ctx, "cache entry undecodable", err, map[string]interface{}{"key": key})
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
