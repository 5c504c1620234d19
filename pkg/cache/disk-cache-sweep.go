package cache

import (
	"fmt"
	"time"
)

// StartSweeper schedules expiry passes: the first after Sweep.Delay, then one
// every Sweep.Interval until Close. A zero interval runs a single pass.
func (cache *DiskCache) StartSweeper() {
	delay := cache.config.Sweep.Delay
	if delay < 0 {
		delay = 0
	}
	interval := cache.config.Sweep.Interval

	cache.wg.Add(1)
	go func() {
		defer cache.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			cache.Sweep(cache.now())
		case <-cache.stop:
			return
		}

		if interval <= 0 {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cache.Sweep(cache.now())
			case <-cache.stop:
				return
			}
		}
	}()
}

// Sweep removes up to Sweep.BatchSize entries that expired before now and
// returns how many it removed. Payload deletion is best effort. The journal is
// compacted afterwards when it crosses the same threshold checked on open.
func (cache *DiskCache) Sweep(now time.Time) int {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return 0
	}

	expired := make([]string, 0, cache.config.Sweep.BatchSize)
	for k, e := range cache.index {
		if len(expired) == cache.config.Sweep.BatchSize {
			break
		}
		if e.expired(now) {
			expired = append(expired, k)
		}
	}

	for _, k := range expired {
		cache.drop(k)
	}

	if len(expired) > 0 {
		cache.logger.Info(fmt.Sprintf("Removing %d elements from the cache %s", len(expired), cache.config.Path))
		if cache.needsCompaction() {
			if err := cache.compact(); err != nil {
				cache.logger.Warn(fmt.Sprintf("Journal compaction failed for %s: %v", cache.config.Path, err))
			}
		}
	}
	cache.metrics.Swept(len(expired))
	return len(expired)
}
