package formulary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/claims-adjudication-server/internal/domain"
)

const keyPrefix = "formulary:diagnosis:"

// RedisCache is the shared tier of the formulary cache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type cachedDiagnosis struct {
	Data      *domain.Diagnosis `json:"data"`
	CachedAt  time.Time         `json:"cached_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// NewRedisClient parses the URL and applies the pool settings from cfg.
func NewRedisClient(ctx context.Context, cfg domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache wraps client; entries expire after ttl.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns a cached diagnosis. A miss is (nil, false, nil).
func (c *RedisCache) Get(ctx context.Context, code string) (*domain.Diagnosis, bool, error) {
	key := keyPrefix + code

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get formulary cache: %w", err)
	}

	var cached cachedDiagnosis
	if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Data == nil {
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Data, true, nil
}

// Set caches a diagnosis.
func (c *RedisCache) Set(ctx context.Context, d *domain.Diagnosis) error {
	now := time.Now()
	data, err := json.Marshal(cachedDiagnosis{
		Data:      d,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal formulary cache data: %w", err)
	}
	return c.client.Set(ctx, keyPrefix+d.Code, data, c.ttl).Err()
}

// Delete removes a cached diagnosis.
func (c *RedisCache) Delete(ctx context.Context, code string) error {
	return c.client.Del(ctx, keyPrefix+code).Err()
}
