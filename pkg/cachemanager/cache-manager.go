package cachemanager

import (
	"fmt"
	"pixcache/pkg/cache"
	"pixcache/pkg/metrics"
	"pixcache/pkg/utils/logger"
	"time"
)

// IStore is the persistent tier behind a CacheManager.
type IStore interface {
	AddOrUpdate(key string, payload []byte, ttl time.Duration) error
	TryGet(key string) ([]byte, bool)
	Remove(key string) bool
	Close() error
}

// IHealthChecker is implemented by stores that depend on an outside service.
type IHealthChecker interface {
	Health() error
}

// ICodec converts between the in-memory value and the stored bytes.
type ICodec[V any] interface {
	Encode(value V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// CacheManager puts a bounded LRU of decoded values in front of a persistent
// store. The two tiers evict independently: memory by recency, the store by
// TTL. Both tiers lock internally and the manager never holds one tier's lock
// while calling the other.
type CacheManager[V any] struct {
	name    string
	store   IStore
	codec   ICodec[V]
	memory  *cache.LRUCache[string, V]
	logger  *logger.Logger
	metrics *metrics.CacheMetrics
}

func NewCacheManager[V any](name string, store IStore, codec ICodec[V], memoryCapacity int, logger *logger.Logger, m *metrics.CacheMetrics) *CacheManager[V] {
	cm := &CacheManager[V]{
		name:    name,
		store:   store,
		codec:   codec,
		logger:  logger,
		metrics: m,
	}
	cm.memory = cache.NewLRUCache[string, V](memoryCapacity, func(key string, _ V) {
		m.Evicted()
	})
	return cm
}

func (cm *CacheManager[V]) Name() string {
	return cm.name
}

// AddOrUpdate persists value and keeps it in memory. Persistence failures are
// logged, never returned: the value is still usable and only a later restart
// will miss it.
func (cm *CacheManager[V]) AddOrUpdate(key string, value V, ttl time.Duration) V {
	data, err := cm.codec.Encode(value)
	if err != nil {
		cm.logger.Error(fmt.Sprintf("Unable to encode %s for cache %s: %v", key, cm.name, err))
		cm.metrics.StoreError("encode")
	} else if err := cm.store.AddOrUpdate(key, data, ttl); err != nil {
		cm.logger.Error(fmt.Sprintf("Unable to persist %s in cache %s: %v", key, cm.name, err))
		cm.metrics.StoreError("write")
	}

	cm.memory.Put(key, value)
	return value
}

// TryGet looks in memory first, then in the store. A stored payload that no
// longer decodes is a miss.
func (cm *CacheManager[V]) TryGet(key string) (V, bool) {
	if v, ok := cm.memory.Get(key); ok {
		cm.metrics.Hit(metrics.TIER_MEMORY)
		return v, true
	}

	var zero V
	data, ok := cm.store.TryGet(key)
	if !ok {
		cm.metrics.Miss()
		return zero, false
	}

	v, err := cm.codec.Decode(data)
	if err != nil {
		cm.logger.Warn(fmt.Sprintf("Discarding undecodable entry %s in cache %s: %v", key, cm.name, err))
		cm.metrics.StoreError("decode")
		cm.metrics.Miss()
		return zero, false
	}

	cm.memory.Put(key, v)
	cm.metrics.Hit(metrics.TIER_STORE)
	return v, true
}

func (cm *CacheManager[V]) Remove(key string) bool {
	inMemory := cm.memory.Remove(key)
	inStore := cm.store.Remove(key)
	return inMemory || inStore
}

// MemoryLen reports how many decoded values are held in memory.
func (cm *CacheManager[V]) MemoryLen() int {
	return cm.memory.Len()
}

// Health reports the state of the persistent tier. Stores without a health
// check are always healthy.
func (cm *CacheManager[V]) Health() error {
	if checker, ok := cm.store.(IHealthChecker); ok {
		return checker.Health()
	}
	return nil
}

func (cm *CacheManager[V]) Close() error {
	cm.memory.Purge()
	return cm.store.Close()
}
