package cache

import (
	"context"
	"errors"
	"fmt"
	"pixcache/pkg/metrics"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/logger"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a persistent tier kept in Redis instead of a local directory.
// Redis expires entries itself, so there is no journal and no sweeper.
type RedisCache struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
	ctx        context.Context
	logger     *logger.Logger
	metrics    *metrics.CacheMetrics
}

func NewRedisCache(config *models.RedisConfig, name string, logger *logger.Logger, m *metrics.CacheMetrics) *RedisCache {
	db := 0
	if config.DB != nil {
		db = *config.DB
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       db,
	})

	namespace := config.KeyNamespace
	if namespace == "" {
		namespace = "pixcache:"
	} else if namespace[len(namespace)-1] != ':' {
		namespace += ":"
	}

	return &RedisCache{
		client:     client,
		namespace:  namespace + name + ":",
		defaultTTL: config.DefaultTTL,
		ctx:        context.Background(),
		logger:     logger,
		metrics:    m,
	}
}

func (r *RedisCache) AddOrUpdate(key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(r.ctx, r.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) TryGet(key string) ([]byte, bool) {
	val, err := r.client.Get(r.ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	} else if err != nil {
		r.logger.Debug(fmt.Sprintf("Redis get failed for %s: %v", key, err))
		r.metrics.StoreError("read")
		return nil, false
	}
	return val, true
}

func (r *RedisCache) Remove(key string) bool {
	n, err := r.client.Del(r.ctx, r.key(key)).Result()
	if err != nil {
		r.logger.Debug(fmt.Sprintf("Redis del failed for %s: %v", key, err))
		return false
	}
	return n > 0
}

// Health pings the Redis server.
func (r *RedisCache) Health() error {
	return r.client.Ping(r.ctx).Err()
}

func (r *RedisCache) key(k string) string {
	return r.namespace + k
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
