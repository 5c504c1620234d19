// Package metrics exposes cache counters to Prometheus. All methods are safe on
// a nil *CacheMetrics so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	TIER_MEMORY = "memory"
	TIER_STORE  = "store"
)

type Collectors struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	swept         *prometheus.CounterVec
	journalResets *prometheus.CounterVec
	fetches       *prometheus.CounterVec
}

// NewCollectors registers the pixcache counters on reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_hits_total",
			Help: "Cache lookups served, by tier.",
		}, []string{"cache", "tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_misses_total",
			Help: "Cache lookups that missed both tiers.",
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_evictions_total",
			Help: "Entries evicted from the memory tier.",
		}, []string{"cache"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_store_errors_total",
			Help: "Failures absorbed by the cache, by operation.",
		}, []string{"cache", "op"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_swept_total",
			Help: "Expired entries removed from disk by the sweeper.",
		}, []string{"cache"}),
		journalResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_journal_resets_total",
			Help: "Cache directories wiped because the journal was unreadable.",
		}, []string{"cache"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixcache_fetches_total",
			Help: "Upstream fetches triggered by misses, by result.",
		}, []string{"cache", "result"}),
	}

	for _, col := range []prometheus.Collector{c.hits, c.misses, c.evictions, c.storeErrors, c.swept, c.journalResets, c.fetches} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// For returns the metrics of a single named cache.
func (c *Collectors) For(cache string) *CacheMetrics {
	if c == nil {
		return nil
	}
	return &CacheMetrics{cache: cache, c: c}
}

type CacheMetrics struct {
	cache string
	c     *Collectors
}

func (m *CacheMetrics) Hit(tier string) {
	if m == nil {
		return
	}
	m.c.hits.WithLabelValues(m.cache, tier).Inc()
}

func (m *CacheMetrics) Miss() {
	if m == nil {
		return
	}
	m.c.misses.WithLabelValues(m.cache).Inc()
}

func (m *CacheMetrics) Evicted() {
	if m == nil {
		return
	}
	m.c.evictions.WithLabelValues(m.cache).Inc()
}

func (m *CacheMetrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.c.storeErrors.WithLabelValues(m.cache, op).Inc()
}

func (m *CacheMetrics) Swept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.c.swept.WithLabelValues(m.cache).Add(float64(n))
}

func (m *CacheMetrics) JournalReset() {
	if m == nil {
		return
	}
	m.c.journalResets.WithLabelValues(m.cache).Inc()
}

func (m *CacheMetrics) Fetch(result string) {
	if m == nil {
		return
	}
	m.c.fetches.WithLabelValues(m.cache, result).Inc()
}
