package ratelimit

import (
	"context"
	"fmt"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/logger"
	"time"

	"github.com/redis/go-redis/v9"
)

const DEFAULT_REDIS_NAMESPACE = "pixcache:throttle:"

// Token bucket kept in a Redis hash so several pixcache instances share the
// same upstream budget. Times are in milliseconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1]) or max_tokens
local last_refill = tonumber(state[2]) or now

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = math.min(tokens + elapsed * refill_per_ms, max_tokens)
	last_refill = now
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', last_refill)
redis.call('PEXPIRE', key, ttl)

local wait = 0
if tokens < 1 then
	wait = math.ceil((1 - tokens) / refill_per_ms)
end

return {allowed, math.floor(tokens), now + wait}
`)

// RedisRateLimiter fails open: when Redis cannot be reached every request is
// allowed.
type RedisRateLimiter struct {
	client    *redis.Client
	namespace string
	maxTokens int64
	window    time.Duration
	timeout   time.Duration
	logger    *logger.Logger
}

func NewRedisRateLimiter(config *models.RedisConfig, maxRequests int64, window time.Duration, logger *logger.Logger) *RedisRateLimiter {
	db := 0
	if config.DB != nil {
		db = *config.DB
	}
	if window <= 0 {
		window = DEFAULT_WINDOW
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       db,
	})

	namespace := config.KeyNamespace
	if namespace == "" {
		namespace = DEFAULT_REDIS_NAMESPACE
	} else if namespace[len(namespace)-1] != ':' {
		namespace += ":"
	}

	return &RedisRateLimiter{
		client:    client,
		namespace: namespace,
		maxTokens: maxRequests,
		window:    window,
		timeout:   time.Second,
		logger:    logger,
	}
}

func (r *RedisRateLimiter) Allow(key string) (bool, int64, time.Time) {
	now := time.Now()
	if r.maxTokens <= 0 {
		return false, 0, now.Add(r.window)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	refillPerMs := float64(r.maxTokens) / float64(r.window.Milliseconds())
	result, err := tokenBucketScript.Run(ctx, r.client, []string{r.key(key)},
		r.maxTokens,
		refillPerMs,
		now.UnixMilli(),
		(2 * r.window).Milliseconds(),
	).Int64Slice()
	if err != nil || len(result) < 3 {
		r.logger.Debug(fmt.Sprintf("Redis throttle unavailable for %q, allowing: %v", key, err))
		return true, r.maxTokens, now
	}

	return result[0] == 1, result[1], time.UnixMilli(result[2])
}

func (r *RedisRateLimiter) Reset(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.logger.Debug(fmt.Sprintf("Unable to reset throttle for %q: %v", key, err))
	}
}

func (r *RedisRateLimiter) key(k string) string {
	return r.namespace + k
}

func (r *RedisRateLimiter) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
