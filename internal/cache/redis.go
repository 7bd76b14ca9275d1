package cache

import (
	"context"
	"errors"
	"time"

	"torch/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Cache defines the interface for a caching implementation
type Cache interface {
	// Get returns ErrCacheMiss for unknown keys
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value; a zero ttl keeps it forever
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error

	Close() error
}

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = errors.New("cache miss")

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects and pings the configured Redis
func NewRedisCache(config config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis")
		return nil, err
	}

	log.Info().
		Str("address", config.Address).
		Str("prefix", config.Prefix).
		Int("db", config.DB).
		Msg("Redis cache initialized successfully")

	return &RedisCache{
		client: client,
		prefix: config.Prefix,
	}, nil
}

func (c *RedisCache) formatKey(key string) string {
	return c.prefix + ":" + key
}

// trace logs the outcome of one round trip at debug level, errors at error level
func trace(op, key string, start time.Time, err error) *zerolog.Event {
	event := log.Debug()
	if err != nil {
		event = log.Error().Err(err)
	}
	return event.
		Str("op", op).
		Str("key", key).
		Dur("duration", time.Since(start))
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	formattedKey := c.formatKey(key)
	start := time.Now()

	result, err := c.client.Get(ctx, formattedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		trace("get", formattedKey, start, nil).Msg("Cache miss")
		return nil, ErrCacheMiss
	}
	if err != nil {
		trace("get", formattedKey, start, err).Msg("Error getting value from Redis")
		return nil, err
	}

	trace("get", formattedKey, start, nil).Int("size", len(result)).Msg("Cache hit")
	return result, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	formattedKey := c.formatKey(key)
	start := time.Now()

	err := c.client.Set(ctx, formattedKey, value, ttl).Err()
	trace("set", formattedKey, start, err).
		Int("size", len(value)).
		Dur("ttl", ttl).
		Msg("Cache set")

	return err
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	formattedKey := c.formatKey(key)
	start := time.Now()

	err := c.client.Del(ctx, formattedKey).Err()
	trace("del", formattedKey, start, err).Msg("Cache delete")

	return err
}

func (c *RedisCache) Ping(ctx context.Context) error {
	start := time.Now()

	err := c.client.Ping(ctx).Err()
	trace("ping", "", start, err).Msg("Cache ping")

	return err
}

func (c *RedisCache) Close() error {
	log.Info().Msg("Closing Redis cache connection")
	return c.client.Close()
}
