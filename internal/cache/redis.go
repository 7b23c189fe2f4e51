// Package cache holds the Redis-backed leaderboard cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/moments-app/backend/internal/models"
)

// RedisCache stores leaderboards as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
}

// Connect parses redisURL, builds a client and pings the server.
func Connect(ctx context.Context, redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := New(redis.NewClient(opt))
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func New(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// GetLeaderboard returns (nil, nil) when key is absent.
func (r *RedisCache) GetLeaderboard(ctx context.Context, key string) (*models.Leaderboard, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lb models.Leaderboard
	if err := json.Unmarshal([]byte(value), &lb); err != nil {
		return nil, fmt.Errorf("decode cached leaderboard %s: %w", key, err)
	}
	return &lb, nil
}

func (r *RedisCache) SetLeaderboard(ctx context.Context, key string, lb *models.Leaderboard, ttl time.Duration) error {
	body, err := json.Marshal(lb)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, body, ttl).Err()
}
