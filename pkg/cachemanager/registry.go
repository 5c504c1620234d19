package cachemanager

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Registry holds the named caches an application builds at startup and hands
// to its consumers.
type Registry[V any] struct {
	mu     sync.RWMutex
	caches map[string]*CacheManager[V]
}

func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{caches: make(map[string]*CacheManager[V])}
}

func (r *Registry[V]) Register(cm *CacheManager[V]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caches[cm.Name()]; exists {
		return fmt.Errorf("cache %q already registered", cm.Name())
	}
	r.caches[cm.Name()] = cm
	return nil
}

func (r *Registry[V]) Get(name string) (*CacheManager[V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cm, ok := r.caches[name]
	return cm, ok
}

func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health checks every cache and combines the failures.
func (r *Registry[V]) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var err error
	for name, cm := range r.caches {
		if herr := cm.Health(); herr != nil {
			err = multierr.Append(err, fmt.Errorf("cache %s: %w", name, herr))
		}
	}
	return err
}

// Close closes every cache and empties the registry.
func (r *Registry[V]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for name, cm := range r.caches {
		if cerr := cm.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing cache %s: %w", name, cerr))
		}
	}
	r.caches = make(map[string]*CacheManager[V])
	return err
}
