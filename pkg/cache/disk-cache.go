package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"pixcache/pkg/journal"
	"pixcache/pkg/metrics"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/fs"
	"pixcache/pkg/utils/logger"
	"sort"
	"sync"
	"time"
)

const (
	DEFAULT_VERSION           = "1.0"
	DEFAULT_SWEEP_BATCH_SIZE  = 10
	DEFAULT_SWEEP_DELAY       = 5 * time.Second
	DEFAULT_COMPACT_THRESHOLD = 1000
)

var (
	ErrInvalidKey = errors.New("key maps to an empty file name")
	ErrClosed     = errors.New("cache closed")
)

type diskEntry struct {
	origin time.Time
	ttl    time.Duration
}

func (e diskEntry) expired(now time.Time) bool {
	return now.After(e.origin.Add(e.ttl))
}

// DiskCache stores one payload file per key in a directory and keeps the
// index of origins and TTLs in an append-only journal next to them. One mutex
// covers the index, the payload files and journal appends.
type DiskCache struct {
	config      models.DiskConfig
	journalPath string
	mapKey      func(string) string
	logger      *logger.Logger
	metrics     *metrics.CacheMetrics
	now         func() time.Time

	mu      sync.Mutex
	index   map[string]diskEntry
	journal *journal.Writer
	records int
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDiskCache(config *models.DiskConfig, logger *logger.Logger, m *metrics.CacheMetrics) (*DiskCache, error) {
	cfg := *config
	if cfg.Path == "" {
		return nil, fmt.Errorf("disk cache %q has no path", cfg.Name)
	}
	if cfg.Version == "" {
		cfg.Version = DEFAULT_VERSION
	}
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = models.RECOVERY_RESET
	}
	if cfg.RecoveryPolicy != models.RECOVERY_RESET && cfg.RecoveryPolicy != models.RECOVERY_TRUNCATE {
		return nil, fmt.Errorf("unknown recovery policy %q", cfg.RecoveryPolicy)
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = DEFAULT_SWEEP_BATCH_SIZE
	}
	if cfg.CompactThreshold == 0 {
		cfg.CompactThreshold = DEFAULT_COMPACT_THRESHOLD
	}

	mapKey, err := keyMapper(cfg.KeyStrategy)
	if err != nil {
		return nil, err
	}

	cache := &DiskCache{
		config:      cfg,
		journalPath: filepath.Join(cfg.Path, journal.FileName),
		mapKey:      mapKey,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		index:       make(map[string]diskEntry),
		stop:        make(chan struct{}),
	}

	if err := cache.open(); err != nil {
		return nil, err
	}

	if cfg.Sweep.Delay >= 0 {
		cache.StartSweeper()
	}

	return cache, nil
}

func (cache *DiskCache) open() error {
	if err := fs.EnsureDir(cache.config.Path); err != nil {
		return err
	}

	if _, err := os.Stat(cache.journalPath); errors.Is(err, os.ErrNotExist) {
		if err := cache.reset(); err != nil {
			return err
		}
	} else if err := cache.replay(); err != nil {
		return err
	}

	w, err := journal.OpenWriter(cache.journalPath)
	if err != nil {
		return err
	}
	cache.journal = w

	if cache.needsCompaction() {
		cache.mu.Lock()
		err := cache.compact()
		cache.mu.Unlock()
		if err != nil {
			cache.logger.Warn(fmt.Sprintf("Journal compaction failed for %s: %v", cache.config.Path, err))
		}
	}

	cache.logger.Info(fmt.Sprintf("Disk cache %s ready with %d entries", cache.config.Path, len(cache.index)))
	return nil
}

func (cache *DiskCache) replay() error {
	f, err := os.Open(cache.journalPath)
	if err != nil {
		cache.logger.Warn(fmt.Sprintf("Unable to open journal %s: %v; resetting cache", cache.journalPath, err))
		return cache.wipe()
	}

	index := make(map[string]diskEntry)
	res, err := journal.Replay(f, journal.Magic, cache.config.Version, func(r journal.Record) {
		switch r.Op {
		case journal.OpCreated, journal.OpModified:
			index[r.Key] = diskEntry{origin: r.Origin, ttl: r.TimeToLive}
		case journal.OpDeleted:
			delete(index, r.Key)
		}
	})
	f.Close()

	if err != nil {
		cache.logger.Warn(fmt.Sprintf("Unreadable journal %s: %v; resetting cache", cache.journalPath, err))
		return cache.wipe()
	}

	if res.Corrupted {
		if cache.config.RecoveryPolicy == models.RECOVERY_RESET {
			cache.logger.Warn(fmt.Sprintf("Corrupted journal %s after %d records: %v; resetting cache", cache.journalPath, res.Records, res.Err))
			return cache.wipe()
		}
		cache.logger.Warn(fmt.Sprintf("Corrupted journal %s after %d records: %v; truncating at offset %d", cache.journalPath, res.Records, res.Err, res.ValidOffset))
		if err := os.Truncate(cache.journalPath, res.ValidOffset); err != nil {
			cache.logger.Warn(fmt.Sprintf("Unable to truncate journal %s: %v; resetting cache", cache.journalPath, err))
			return cache.wipe()
		}
	}

	cache.index = index
	cache.records = res.Records
	return nil
}

// wipe discards the whole cache directory after a journal failure.
func (cache *DiskCache) wipe() error {
	cache.metrics.JournalReset()
	return cache.reset()
}

func (cache *DiskCache) reset() error {
	if err := fs.ResetDir(cache.config.Path); err != nil {
		return err
	}
	if err := journal.Create(cache.journalPath, journal.Magic, cache.config.Version); err != nil {
		return err
	}
	cache.index = make(map[string]diskEntry)
	cache.records = 0
	return nil
}

func (cache *DiskCache) needsCompaction() bool {
	threshold := cache.config.CompactThreshold
	return threshold > 0 && cache.records > threshold && cache.records > 2*len(cache.index)
}

func (cache *DiskCache) path(mapped string) string {
	return filepath.Join(cache.config.Path, mapped)
}

// AddOrUpdate writes payload under key and records it in the journal. The
// journal is appended only after the payload is on disk, and the index is
// updated only after both succeed.
func (cache *DiskCache) AddOrUpdate(key string, payload []byte, ttl time.Duration) error {
	mapped := cache.mapKey(key)
	if mapped == "" {
		return ErrInvalidKey
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return ErrClosed
	}

	_, existed := cache.index[mapped]

	if err := fs.WriteFileAtomic(cache.path(mapped), payload, 0644); err != nil {
		return fmt.Errorf("failed to write payload for %s: %w", mapped, err)
	}

	op := journal.OpCreated
	if existed {
		op = journal.OpModified
	}
	entry := diskEntry{
		origin: journal.Precision(cache.now()),
		ttl:    ttl.Truncate(time.Millisecond),
	}
	rec := journal.Record{Op: op, Key: mapped, Origin: entry.origin, TimeToLive: entry.ttl}
	if err := cache.journal.Append(rec); err != nil {
		return fmt.Errorf("failed to append journal record for %s: %w", mapped, err)
	}
	cache.records++

	cache.index[mapped] = entry
	return nil
}

// TryGet never fails: an unknown, expired or unreadable entry is a miss.
func (cache *DiskCache) TryGet(key string) ([]byte, bool) {
	mapped := cache.mapKey(key)
	if mapped == "" {
		return nil, false
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	entry, found := cache.index[mapped]
	if !found || cache.closed {
		return nil, false
	}
	if entry.expired(cache.now()) {
		return nil, false
	}

	data, err := os.ReadFile(cache.path(mapped))
	if err != nil {
		cache.logger.Debug(fmt.Sprintf("Dropping unreadable entry %s: %v", mapped, err))
		cache.metrics.StoreError("read")
		cache.drop(mapped)
		return nil, false
	}

	return data, true
}

func (cache *DiskCache) Remove(key string) bool {
	mapped := cache.mapKey(key)
	if mapped == "" {
		return false
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if _, found := cache.index[mapped]; !found || cache.closed {
		return false
	}
	cache.drop(mapped)
	return true
}

// drop removes mapped from the index, journals the deletion and deletes the
// payload file. File system errors are ignored. Callers hold cache.mu.
func (cache *DiskCache) drop(mapped string) {
	delete(cache.index, mapped)
	if err := cache.journal.Append(journal.Record{Op: journal.OpDeleted, Key: mapped}); err != nil {
		cache.logger.Debug(fmt.Sprintf("Unable to journal deletion of %s: %v", mapped, err))
	} else {
		cache.records++
	}
	_ = fs.RemoveQuietly(cache.path(mapped))
}

// Compact rewrites the journal as one create record per live entry and
// deletes payload files that no entry refers to.
func (cache *DiskCache) Compact() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return ErrClosed
	}
	return cache.compact()
}

func (cache *DiskCache) compact() error {
	keys := make([]string, 0, len(cache.index))
	for k := range cache.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]journal.Record, 0, len(keys))
	for _, k := range keys {
		e := cache.index[k]
		records = append(records, journal.Record{Op: journal.OpCreated, Key: k, Origin: e.origin, TimeToLive: e.ttl})
	}

	if err := cache.journal.Close(); err != nil {
		cache.logger.Debug(fmt.Sprintf("Closing journal before compaction: %v", err))
	}
	rewriteErr := journal.Rewrite(cache.journalPath, journal.Magic, cache.config.Version, records)

	w, err := journal.OpenWriter(cache.journalPath)
	if err != nil {
		return err
	}
	cache.journal = w
	if rewriteErr != nil {
		return rewriteErr
	}

	before := cache.records
	cache.records = len(records)

	removed := 0
	if files, err := os.ReadDir(cache.config.Path); err == nil {
		for _, f := range files {
			name := f.Name()
			if name == journal.FileName || f.IsDir() {
				continue
			}
			if _, live := cache.index[name]; live {
				continue
			}
			if fs.RemoveQuietly(cache.path(name)) == nil {
				removed++
			}
		}
	}

	cache.logger.Info(fmt.Sprintf("Compacted journal %s from %d to %d records, removed %d orphan files", cache.journalPath, before, cache.records, removed))
	return nil
}

func (cache *DiskCache) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.index)
}

// Keys returns the mapped keys currently indexed, sorted.
func (cache *DiskCache) Keys() []string {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	keys := make([]string, 0, len(cache.index))
	for k := range cache.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (cache *DiskCache) Dir() string {
	return cache.config.Path
}

// Health fails once the cache is closed.
func (cache *DiskCache) Health() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.closed {
		return ErrClosed
	}
	return nil
}

func (cache *DiskCache) Close() error {
	cache.stopOnce.Do(func() { close(cache.stop) })
	cache.wg.Wait()

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return nil
	}
	cache.closed = true
	return cache.journal.Close()
}
