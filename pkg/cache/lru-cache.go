package cache

import (
	"container/list"
	"reflect"
	"sync"
)

// Releaser is implemented by values holding buffers that should be freed as
// soon as the cache lets go of them.
type Releaser interface {
	Release()
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a fixed-capacity least-recently-used map. Values leaving the
// cache through eviction, replacement, Remove or Purge are unlinked first and
// then released if they implement Releaser.
type LRUCache[K comparable, V any] struct {
	capacity int
	mu       sync.Mutex
	items    map[K]*list.Element
	order    *list.List
	onEvict  func(K, V)
}

// NewLRUCache panics when capacity is not positive. onEvict, if set, runs for
// capacity evictions only, with the cache lock held.
func NewLRUCache[K comparable, V any](capacity int, onEvict func(K, V)) *LRUCache[K, V] {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity+1),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Put inserts or replaces key and marks it most recently used.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*lruEntry[K, V])
		old := e.value
		e.value = value
		c.order.MoveToFront(elem)
		if !sameValue(old, value) {
			release(old)
		}
		return
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})

	if c.order.Len() > c.capacity {
		c.evict()
	}
}

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry[K, V]).value, true
}

func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	e := c.unlink(elem)
	release(e.value)
	return true
}

// Purge empties the cache, releasing every value.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Back(); elem != nil; elem = c.order.Back() {
		e := c.unlink(elem)
		release(e.value)
	}
}

func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys lists keys from most to least recently used.
func (c *LRUCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry[K, V]).key)
	}
	return keys
}

func (c *LRUCache[K, V]) evict() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := c.unlink(back)
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
	release(e.value)
}

func (c *LRUCache[K, V]) unlink(elem *list.Element) *lruEntry[K, V] {
	e := c.order.Remove(elem).(*lruEntry[K, V])
	delete(c.items, e.key)
	return e
}

func release(v any) {
	if r, ok := v.(Releaser); ok {
		r.Release()
	}
}

// sameValue reports whether a and b are the same releasable object, so that
// re-putting a value does not release it.
func sameValue(a, b any) bool {
	ra, ok := a.(Releaser)
	if !ok {
		return false
	}
	rb, ok := b.(Releaser)
	if !ok || !reflect.TypeOf(ra).Comparable() {
		return false
	}
	return ra == rb
}
