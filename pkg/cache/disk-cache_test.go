package cache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"pixcache/pkg/journal"
	"pixcache/pkg/models"
	"strings"
	"testing"
	"time"
)

func readJournalLines(t *testing.T, cache *DiskCache) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cache.Dir(), journal.FileName))
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestDiskCache_RoundTrip(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	payload := []byte("\x89PNG fake image data")
	if err := cache.AddOrUpdate("https://maps.example.com/a.png", payload, time.Hour); err != nil {
		t.Fatalf("AddOrUpdate failed: %v", err)
	}

	got, ok := cache.TryGet("https://maps.example.com/a.png")
	if !ok {
		t.Fatal("expected hit after AddOrUpdate")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %q", got)
	}

	if _, ok := cache.TryGet("https://maps.example.com/b.png"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestDiskCache_CreateThenModify(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_SANITIZE))
	defer cache.Close()

	if err := cache.AddOrUpdate("http://x/a.png", []byte("bytes1"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := cache.AddOrUpdate("http://x/a.png", []byte("bytes2"), time.Hour); err != nil {
		t.Fatal(err)
	}

	lines := readJournalLines(t, cache)
	if len(lines) != 4 {
		t.Fatalf("expected header + 2 records, got %q", lines)
	}
	if lines[0] != journal.Magic || lines[1] != "1.0" {
		t.Errorf("unexpected header %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "c httpxapng ") {
		t.Errorf("expected create record, got %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "m httpxapng ") || !strings.HasSuffix(lines[3], " 3600000") {
		t.Errorf("expected modify record, got %q", lines[3])
	}

	got, ok := cache.TryGet("http://x/a.png")
	if !ok || string(got) != "bytes2" {
		t.Errorf("TryGet = %q, %v; want bytes2", got, ok)
	}
}

func TestDiskCache_SanitizeCollision(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_SANITIZE))
	defer cache.Close()

	cache.AddOrUpdate("http://a/b", []byte("first"), time.Hour)
	cache.AddOrUpdate("http:a-b", []byte("second"), time.Hour)

	got, ok := cache.TryGet("http://a/b")
	if !ok || string(got) != "second" {
		t.Errorf("expected colliding key to overwrite, got %q, %v", got, ok)
	}
	if cache.Len() != 1 {
		t.Errorf("expected one entry for colliding keys, got %d", cache.Len())
	}
}

func TestDiskCache_InvalidKey(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_SANITIZE))
	defer cache.Close()

	if err := cache.AddOrUpdate("://", []byte("x"), time.Hour); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("AddOrUpdate error = %v, want ErrInvalidKey", err)
	}
	if _, ok := cache.TryGet("://"); ok {
		t.Error("expected miss for empty key")
	}
}

func TestDiskCache_ExpiredIsMissBeforeSweep(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	base := time.Now()
	cache.now = func() time.Time { return base }
	cache.AddOrUpdate("k", []byte("v"), time.Minute)

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := cache.TryGet("k"); ok {
		t.Error("expected expired entry to be a miss")
	}
	if cache.Len() != 1 {
		t.Error("expired entries stay indexed until swept")
	}
}

func TestDiskCache_Sweep(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	cache.AddOrUpdate("short", []byte("v"), time.Millisecond)
	cache.AddOrUpdate("long", []byte("v"), time.Hour)

	removed := cache.Sweep(time.Now().Add(time.Minute))
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := cache.TryGet("short"); ok {
		t.Error("swept entry still readable")
	}
	if _, ok := cache.TryGet("long"); !ok {
		t.Error("live entry removed by sweep")
	}
	if _, err := os.Stat(filepath.Join(cache.Dir(), HashKey("short"))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("payload file of swept entry still exists: %v", err)
	}

	lines := readJournalLines(t, cache)
	if last := lines[len(lines)-1]; last != "d "+HashKey("short") {
		t.Errorf("expected delete record, got %q", last)
	}
}

func TestDiskCache_SweepBatchSize(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	for i := 0; i < 15; i++ {
		cache.AddOrUpdate(fmt.Sprintf("key-%d", i), []byte("v"), time.Millisecond)
	}

	later := time.Now().Add(time.Minute)
	if n := cache.Sweep(later); n != DEFAULT_SWEEP_BATCH_SIZE {
		t.Errorf("first sweep removed %d, want %d", n, DEFAULT_SWEEP_BATCH_SIZE)
	}
	if n := cache.Sweep(later); n != 5 {
		t.Errorf("second sweep removed %d, want 5", n)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestDiskCache_SweepMissingFile(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	cache.AddOrUpdate("gone", []byte("v"), time.Millisecond)
	os.Remove(filepath.Join(cache.Dir(), HashKey("gone")))

	if n := cache.Sweep(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
}

func TestDiskCache_PeriodicSweeper(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_HASH)
	config.Sweep = models.SweepConfig{Delay: 0, Interval: 10 * time.Millisecond}
	cache := openDiskCache(t, config)
	defer cache.Close()

	cache.AddOrUpdate("short", []byte("v"), time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for cache.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.Len() != 0 {
		t.Error("periodic sweeper did not remove the expired entry")
	}
}

func TestDiskCache_ReplayMatchesDirectOperations(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_SANITIZE)
	cache := openDiskCache(t, config)

	cache.AddOrUpdate("alpha", []byte("1"), time.Hour)
	cache.AddOrUpdate("beta", []byte("2"), 2*time.Hour)
	cache.AddOrUpdate("gamma", []byte("3"), 3*time.Hour)
	cache.AddOrUpdate("alpha", []byte("4"), 4*time.Hour)
	cache.Remove("beta")

	want := make(map[string]diskEntry)
	for k, v := range cache.index {
		want[k] = v
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openDiskCache(t, config)
	defer reopened.Close()

	if len(reopened.index) != len(want) {
		t.Fatalf("replayed %d entries, want %d", len(reopened.index), len(want))
	}
	for k, w := range want {
		got, ok := reopened.index[k]
		if !ok {
			t.Errorf("key %s missing after replay", k)
			continue
		}
		if !got.origin.Equal(w.origin) || got.ttl != w.ttl {
			t.Errorf("key %s replayed as %+v, want %+v", k, got, w)
		}
	}

	if v, ok := reopened.TryGet("alpha"); !ok || string(v) != "4" {
		t.Errorf("alpha after restart = %q, %v", v, ok)
	}
	if _, ok := reopened.TryGet("beta"); ok {
		t.Error("deleted key resurrected by replay")
	}
}

func TestDiskCache_GarbledHeaderResets(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_HASH)
	os.MkdirAll(config.Path, 0755)
	os.WriteFile(filepath.Join(config.Path, journal.FileName), []byte("NOT A JOURNAL\n???\nc x 1 2\n"), 0644)
	os.WriteFile(filepath.Join(config.Path, "stale"), []byte("old payload"), 0644)

	cache := openDiskCache(t, config)
	defer cache.Close()

	if cache.Len() != 0 {
		t.Errorf("expected empty cache after reset, got %d entries", cache.Len())
	}
	data, _ := os.ReadFile(filepath.Join(config.Path, journal.FileName))
	if string(data) != "MONOID\n1.0\n" {
		t.Errorf("expected fresh header, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(config.Path, "stale")); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected directory to be wiped")
	}

	if err := cache.AddOrUpdate("k", []byte("v"), time.Hour); err != nil {
		t.Errorf("store not usable after reset: %v", err)
	}
}

func TestDiskCache_VersionMismatchResets(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_HASH)
	cache := openDiskCache(t, config)
	cache.AddOrUpdate("k", []byte("v"), time.Hour)
	cache.Close()

	config.Version = "2.0"
	upgraded := openDiskCache(t, config)
	defer upgraded.Close()

	if upgraded.Len() != 0 {
		t.Error("expected version bump to discard old entries")
	}
	lines := readJournalLines(t, upgraded)
	if len(lines) != 2 || lines[1] != "2.0" {
		t.Errorf("unexpected journal after upgrade: %q", lines)
	}
}

func writeCorruptJournal(t *testing.T, config *models.DiskConfig) {
	t.Helper()
	os.MkdirAll(config.Path, 0755)
	content := "MONOID\n1.0\n" +
		"c good " + fmt.Sprint(journal.ToTicks(time.Now())) + " 3600000\n" +
		"c bad notanumber 3600000\n" +
		"c after " + fmt.Sprint(journal.ToTicks(time.Now())) + " 3600000\n"
	os.WriteFile(filepath.Join(config.Path, journal.FileName), []byte(content), 0644)
	os.WriteFile(filepath.Join(config.Path, "good"), []byte("good payload"), 0644)
	os.WriteFile(filepath.Join(config.Path, "after"), []byte("after payload"), 0644)
}

func TestDiskCache_CorruptRecordResetPolicy(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_SANITIZE)
	config.RecoveryPolicy = models.RECOVERY_RESET
	writeCorruptJournal(t, config)

	cache := openDiskCache(t, config)
	defer cache.Close()

	if cache.Len() != 0 {
		t.Errorf("reset policy should discard everything, got %v", cache.Keys())
	}
}

func TestDiskCache_CorruptRecordTruncatePolicy(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_SANITIZE)
	config.RecoveryPolicy = models.RECOVERY_TRUNCATE
	writeCorruptJournal(t, config)

	cache := openDiskCache(t, config)
	keys := cache.Keys()
	if len(keys) != 1 || keys[0] != "good" {
		t.Fatalf("expected only the prefix before corruption, got %v", keys)
	}
	if v, ok := cache.TryGet("good"); !ok || string(v) != "good payload" {
		t.Errorf("TryGet(good) = %q, %v", v, ok)
	}

	if err := cache.AddOrUpdate("fresh", []byte("new"), time.Hour); err != nil {
		t.Fatal(err)
	}
	cache.Close()

	reopened := openDiskCache(t, config)
	defer reopened.Close()
	if v, ok := reopened.TryGet("fresh"); !ok || string(v) != "new" {
		t.Errorf("record appended after truncation lost on restart: %q, %v", v, ok)
	}
	if _, ok := reopened.TryGet("after"); ok {
		t.Error("record after the corruption point must stay dropped")
	}
}

func TestDiskCache_UnreadablePayloadDropsEntry(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	cache.AddOrUpdate("k", []byte("v"), time.Hour)
	os.Remove(filepath.Join(cache.Dir(), HashKey("k")))

	if _, ok := cache.TryGet("k"); ok {
		t.Fatal("expected miss for missing payload")
	}
	if cache.Len() != 0 {
		t.Error("stale index entry should be dropped")
	}
}

func TestDiskCache_Remove(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	defer cache.Close()

	cache.AddOrUpdate("k", []byte("v"), time.Hour)
	if !cache.Remove("k") {
		t.Error("expected Remove to report an existing key")
	}
	if cache.Remove("k") {
		t.Error("second Remove should report false")
	}
	if _, ok := cache.TryGet("k"); ok {
		t.Error("removed key still readable")
	}
}

func TestDiskCache_CompactionOnOpen(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_SANITIZE)
	config.CompactThreshold = 3
	cache := openDiskCache(t, config)
	for i := 0; i < 5; i++ {
		cache.AddOrUpdate("hot", []byte(fmt.Sprint(i)), time.Hour)
	}
	cache.AddOrUpdate("cold", []byte("c"), time.Hour)
	cache.Remove("cold")
	cache.Close()

	os.WriteFile(filepath.Join(config.Path, "orphan"), []byte("x"), 0644)

	reopened := openDiskCache(t, config)
	defer reopened.Close()

	lines := readJournalLines(t, reopened)
	if len(lines) != 3 || !strings.HasPrefix(lines[2], "c hot ") {
		t.Errorf("expected compacted journal, got %q", lines)
	}
	if _, err := os.Stat(filepath.Join(config.Path, "orphan")); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphan payload should be removed by compaction")
	}
	if v, ok := reopened.TryGet("hot"); !ok || string(v) != "4" {
		t.Errorf("TryGet(hot) after compaction = %q, %v", v, ok)
	}
}

func TestDiskCache_CompactionAfterSweep(t *testing.T) {
	config := testDiskConfig(t, models.KEY_STRATEGY_SANITIZE)
	config.CompactThreshold = 3
	cache := openDiskCache(t, config)
	defer cache.Close()

	cache.AddOrUpdate("keep", []byte("k"), time.Hour)
	for i := 0; i < 5; i++ {
		cache.AddOrUpdate(fmt.Sprintf("old%d", i), []byte("o"), time.Minute)
	}

	if n := cache.Sweep(time.Now().Add(2 * time.Minute)); n != 5 {
		t.Fatalf("Sweep removed %d, want 5", n)
	}

	lines := readJournalLines(t, cache)
	if len(lines) != 3 || !strings.HasPrefix(lines[2], "c keep ") {
		t.Errorf("expected journal compacted by the sweep, got %q", lines)
	}
	if v, ok := cache.TryGet("keep"); !ok || string(v) != "k" {
		t.Errorf("TryGet(keep) after compaction = %q, %v", v, ok)
	}
	if err := cache.AddOrUpdate("fresh", []byte("f"), time.Hour); err != nil {
		t.Errorf("journal should stay writable after compaction: %v", err)
	}
}

func TestDiskCache_Closed(t *testing.T) {
	cache := openDiskCache(t, testDiskConfig(t, models.KEY_STRATEGY_HASH))
	cache.AddOrUpdate("k", []byte("v"), time.Hour)
	if err := cache.Health(); err != nil {
		t.Errorf("open cache should be healthy: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Health(); !errors.Is(err, ErrClosed) {
		t.Errorf("Health after Close = %v, want ErrClosed", err)
	}
	if err := cache.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if err := cache.AddOrUpdate("k", []byte("v"), time.Hour); !errors.Is(err, ErrClosed) {
		t.Errorf("AddOrUpdate after Close = %v, want ErrClosed", err)
	}
	if _, ok := cache.TryGet("k"); ok {
		t.Error("TryGet after Close should miss")
	}
}

func TestNewDiskCache_InvalidConfig(t *testing.T) {
	log := createTestLogger(t)
	if _, err := NewDiskCache(&models.DiskConfig{}, log, nil); err == nil {
		t.Error("expected error for missing path")
	}
	config := testDiskConfig(t, "md5")
	if _, err := NewDiskCache(config, log, nil); err == nil {
		t.Error("expected error for unknown key strategy")
	}
	config = testDiskConfig(t, "")
	config.RecoveryPolicy = "repair"
	if _, err := NewDiskCache(config, log, nil); err == nil {
		t.Error("expected error for unknown recovery policy")
	}
}
