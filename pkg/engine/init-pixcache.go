package engine

import (
	"os"
	"path/filepath"
	"pixcache/pkg/cache"
	"pixcache/pkg/fetcher"
	"pixcache/pkg/models"
	"pixcache/pkg/ratelimit"
	"pixcache/pkg/utils/system"
	"time"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a starter configuration to configPath: a free port, a
// per-config storage directory and a single disk-backed picture cache.
func InitConfig(configPath string) error {
	storageDir, err := DefaultStoragePath(configPath)
	if err != nil {
		return err
	}

	freePort, err := system.GetFreePort()
	if err != nil {
		return err
	}

	requests := int64(ratelimit.DEFAULT_REQUESTS)
	defaultConfig := &models.PixcacheConfig{
		Log: &models.LogConfig{
			ToFile:   true,
			FilePath: filepath.Join(storageDir, "pixcache.log"),
			ToStdout: true,
			Prefix:   "[Pixcache]",
			Flags:    0,
		},
		Server: &models.ServerConfig{
			Port: uint16(freePort),
		},
		Storage: &models.StorageConfig{
			Path: storageDir,
		},
		Fetch: &models.FetchConfig{
			Timeout:     fetcher.DEFAULT_TIMEOUT,
			MaxBodySize: fetcher.DEFAULT_MAX_BODY_SIZE,
			UserAgent:   fetcher.DEFAULT_USER_AGENT,
			Allow:       []string{`^https?://`},
			Throttle: &models.ThrottleConfig{
				Enabled:  true,
				Storage:  ratelimit.STORAGE_MEMORY,
				Requests: &requests,
				Window:   ratelimit.DEFAULT_WINDOW,
			},
		},
		Caches: []models.CacheConfig{
			{
				Name:           DEFAULT_CACHE_NAME,
				Version:        cache.DEFAULT_VERSION,
				Backend:        models.BACKEND_DISK,
				Ttl:            DEFAULT_TTL,
				MemoryCapacity: DEFAULT_MEMORY,
				KeyStrategy:    models.KEY_STRATEGY_HASH,
				RecoveryPolicy: models.RECOVERY_RESET,
				Sweep: &models.SweepConfig{
					Delay:     cache.DEFAULT_SWEEP_DELAY,
					Interval:  time.Hour,
					BatchSize: cache.DEFAULT_SWEEP_BATCH_SIZE,
				},
			},
		},
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	return enc.Encode(defaultConfig)
}
