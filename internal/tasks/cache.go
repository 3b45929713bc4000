package tasks

import (
	"context"

	"github.com/aveline-shop/aveline-backend/pkg/redis"
)

type redisDeleter interface {
	Del(ctx context.Context, keys ...string) error
	CacheKey(parts ...string) string
}

// RedisInvalidator implements CacheInvalidator on top of the shared redis
// client.
type RedisInvalidator struct {
	client redisDeleter
}

// NewRedisInvalidator wraps the redis client for cache invalidation tasks.
func NewRedisInvalidator(client *redis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

// Invalidate drops every namespaced key. Missing keys are not an error.
func (r *RedisInvalidator) Invalidate(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, 0, len(keys))
	for _, key := range keys {
		namespaced = append(namespaced, r.client.CacheKey(key))
	}
	return r.client.Del(ctx, namespaced...)
}
