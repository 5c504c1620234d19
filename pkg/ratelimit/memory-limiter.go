package ratelimit

import (
	"fmt"
	"pixcache/pkg/utils/logger"
	"sync"
	"time"
)

// TokenBucket holds the tokens left for one key. Tokens refill continuously
// at maxTokens per window.
type TokenBucket struct {
	tokens         float64
	lastRefillTime time.Time
	mu             sync.Mutex
}

// MemoryRateLimiter keeps one token bucket per key in process memory.
type MemoryRateLimiter struct {
	buckets    map[string]*TokenBucket
	mu         sync.Mutex
	maxTokens  int64
	window     time.Duration
	refillRate float64 // tokens per second
	ttl        time.Duration
	logger     *logger.Logger
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryRateLimiter(maxRequests int64, window time.Duration, logger *logger.Logger) *MemoryRateLimiter {
	if window <= 0 {
		window = DEFAULT_WINDOW
	}

	limiter := &MemoryRateLimiter{
		buckets:    make(map[string]*TokenBucket),
		maxTokens:  maxRequests,
		window:     window,
		refillRate: float64(maxRequests) / window.Seconds(),
		ttl:        window * 2,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

func (m *MemoryRateLimiter) Allow(key string) (bool, int64, time.Time) {
	now := m.now()

	if m.maxTokens <= 0 {
		m.logger.Debug(fmt.Sprintf("Throttle for %q has no tokens configured", key))
		return false, 0, now.Add(m.window)
	}

	m.mu.Lock()
	bucket, exists := m.buckets[key]
	if !exists {
		bucket = &TokenBucket{tokens: float64(m.maxTokens), lastRefillTime: now}
		m.buckets[key] = bucket
		m.logger.Debug(fmt.Sprintf("Created new token bucket for %q", key))
	}
	m.mu.Unlock()

	allowed, remaining, next := bucket.consume(now, float64(m.maxTokens), m.refillRate)
	if !allowed {
		m.logger.Debug(fmt.Sprintf("Throttled %q until %s", key, next.Format(time.RFC3339)))
	}
	return allowed, remaining, next
}

func (tb *TokenBucket) consume(now time.Time, limit, refillRate float64) (bool, int64, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefillTime); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * refillRate
		if tb.tokens > limit {
			tb.tokens = limit
		}
		tb.lastRefillTime = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true, int64(tb.tokens), tb.nextToken(now, refillRate)
	}
	return false, 0, tb.nextToken(now, refillRate)
}

func (tb *TokenBucket) nextToken(now time.Time, refillRate float64) time.Time {
	if tb.tokens >= 1 {
		return now
	}
	missing := 1 - tb.tokens
	return now.Add(time.Duration(missing / refillRate * float64(time.Second)))
}

// cleanup drops buckets that have been idle for two windows.
func (m *MemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(m.now())
		}
	}
}

func (m *MemoryRateLimiter) evictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, bucket := range m.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastRefillTime)
		bucket.mu.Unlock()

		if idle > m.ttl {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryRateLimiter) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

func (m *MemoryRateLimiter) Health() error {
	return nil
}

func (m *MemoryRateLimiter) Close() error {
	m.logger.Debug("Closing memory throttle")
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*TokenBucket)
	return nil
}
