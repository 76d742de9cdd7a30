package throttle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss — ключ отсутствует в кэше.
var ErrCacheMiss = errors.New("cache miss")

// Cache — общий кэш координации воркеров.
//
// Семантика: overwrite-with-TTL без блокировок (last-writer-wins
// приемлем, см. doc.go) плюс атомарный инкремент для локального
// fallback-счётчика.
type Cache interface {
	// Get возвращает значение ключа либо ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set перезаписывает значение ключа с TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr атомарно увеличивает счётчик; при создании ключа ставит TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCache — реализация Cache поверх Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache создаёт RedisCache поверх готового клиента.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisClient создаёт клиент Redis из переменной окружения REDIS_URL.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Get возвращает значение ключа.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set перезаписывает значение ключа с TTL.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Incr атомарно увеличивает счётчик, выставляя TTL при создании ключа.
func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if val == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return val, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return val, nil
}
