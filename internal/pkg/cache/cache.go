package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis compatible cache server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Connected: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

// JSONCache stores JSON encoded values. Misses and decode errors are reported
// as ok=false.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) bool
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// RedisJSON is the JSONCache backed by a redis client
type RedisJSON struct {
	Client *redis.Client
}

// NewRedisJSON wraps the shared client
func NewRedisJSON() *RedisJSON {
	return &RedisJSON{Client: GetClient()}
}

func (c *RedisJSON) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	raw, err := c.Client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debugf("[Cache] get %s: %v", key, err)
		}
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (c *RedisJSON) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.Client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Debugf("[Cache] set %s: %v", key, err)
	}
}

func (c *RedisJSON) Delete(ctx context.Context, key string) {
	_ = c.Client.Del(ctx, key).Err()
}

// Noop never stores anything
type Noop struct{}

func (Noop) GetJSON(context.Context, string, interface{}) bool           { return false }
func (Noop) SetJSON(context.Context, string, interface{}, time.Duration) {}
func (Noop) Delete(context.Context, string)                              {}
