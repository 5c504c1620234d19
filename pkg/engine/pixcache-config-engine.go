package engine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"pixcache/pkg/bitmap"
	"pixcache/pkg/cache"
	"pixcache/pkg/cachemanager"
	"pixcache/pkg/fetcher"
	"pixcache/pkg/metrics"
	"pixcache/pkg/models"
	"pixcache/pkg/ratelimit"
	"pixcache/pkg/utils/fs"
	"pixcache/pkg/utils/hash"
	"pixcache/pkg/utils/logger"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	APP_NAME           = "pixcache"
	PID_FILE           = "pixcache.pid"
	DEFAULT_PORT       = 8080
	DEFAULT_CACHE_NAME = "MapsPictures"
	DEFAULT_TTL        = 90 * 24 * time.Hour
	DEFAULT_MEMORY     = 64
)

var ErrUnknownCache = errors.New("unknown cache")

// Cache names become directory names under the storage path, so a name may
// not start with a dot.
var cacheNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

type PixcacheEngine struct {
	config         *models.PixcacheConfig
	logger         *logger.Logger
	registry       *cachemanager.Registry[*bitmap.Bitmap]
	fetcher        *fetcher.Fetcher
	codec          *bitmap.PNGCodec
	ttls           map[string]time.Duration
	prometheus     *prometheus.Registry
	metricsHandler fasthttp.RequestHandler
	pid            int
}

// InstantiatePixcacheEngine loads configPath and builds the engine, exiting
// the process when either step fails.
func InstantiatePixcacheEngine(configPath string) *PixcacheEngine {
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	engine, err := NewPixcacheEngine(config)
	if err != nil {
		log.Fatalf("Unable to start pixcache: %v", err)
	}
	return engine
}

// LoadConfig reads a YAML configuration and fills in the intelligent defaults.
func LoadConfig(configPath string) (*models.PixcacheConfig, error) {
	var config models.PixcacheConfig

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read the config-path %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse the config at %s: %w", configPath, err)
	}

	if err := ApplyDefaults(&config, configPath); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultStoragePath is where a config without an explicit storage path keeps
// its caches and pid file: one directory per absolute config path.
func DefaultStoragePath(configPath string) (string, error) {
	root, err := fs.GetUserCacheDir(APP_NAME)
	if err != nil {
		return "", fmt.Errorf("failed to determine user cache dir: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute config path: %w", err)
	}
	return filepath.Join(root, hash.HashString(abs)), nil
}

func ApplyDefaults(config *models.PixcacheConfig, configPath string) error {
	if config.Server == nil {
		config.Server = &models.ServerConfig{}
	}
	if config.Server.Port == 0 {
		config.Server.Port = DEFAULT_PORT
	}
	if config.Storage == nil || config.Storage.Path == "" {
		path, err := DefaultStoragePath(configPath)
		if err != nil {
			return err
		}
		config.Storage = &models.StorageConfig{Path: path}
	}
	if config.Log == nil {
		config.Log = &models.LogConfig{
			ToStdout: true,
			Prefix:   "[Pixcache]",
			Flags:    0,
		}
	}
	if config.Fetch == nil {
		config.Fetch = &models.FetchConfig{}
	}
	if len(config.Caches) == 0 {
		config.Caches = []models.CacheConfig{{Name: DEFAULT_CACHE_NAME}}
	}

	for i := range config.Caches {
		c := &config.Caches[i]
		if c.Backend == "" {
			c.Backend = models.BACKEND_DISK
		}
		if c.Version == "" {
			c.Version = cache.DEFAULT_VERSION
		}
		if c.Ttl == 0 {
			c.Ttl = DEFAULT_TTL
		}
		if c.MemoryCapacity <= 0 {
			c.MemoryCapacity = DEFAULT_MEMORY
		}
		if c.Sweep == nil {
			c.Sweep = &models.SweepConfig{Delay: cache.DEFAULT_SWEEP_DELAY}
		}
	}
	return nil
}

// NewPixcacheEngine builds every configured cache, the upstream fetcher and
// the metrics registry. Anything opened before a failure is closed again.
func NewPixcacheEngine(config *models.PixcacheConfig) (*PixcacheEngine, error) {
	logger_, err := logger.NewLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("unable to instantiate the logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectors_, err := metrics.NewCollectors(promRegistry)
	if err != nil {
		logger_.Close()
		return nil, fmt.Errorf("unable to register metrics: %w", err)
	}

	engine := &PixcacheEngine{
		config:     config,
		logger:     logger_,
		registry:   cachemanager.NewRegistry[*bitmap.Bitmap](),
		codec:      bitmap.NewPNGCodec(),
		ttls:       make(map[string]time.Duration),
		prometheus: promRegistry,
		pid:        os.Getpid(),
	}
	engine.metricsHandler = newMetricsHandler(promRegistry)

	if err := engine.buildCaches(collectors_); err != nil {
		engine.Close()
		return nil, err
	}

	limiter, err := ratelimit.NewRateLimiter(config.Fetch.Throttle, config.Redis, logger_.With("component", "throttle"))
	if err != nil {
		engine.Close()
		return nil, err
	}

	engine.fetcher, err = fetcher.NewFetcher(config.Fetch, limiter, logger_.With("component", "fetcher"), collectors_)
	if err != nil {
		if limiter != nil {
			limiter.Close()
		}
		engine.Close()
		return nil, err
	}

	return engine, nil
}

// validateCaches rejects unusable or duplicate names before any store touches
// the storage directory.
func (engine *PixcacheEngine) validateCaches() error {
	root, err := filepath.Abs(engine.config.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve storage path: %w", err)
	}

	seen := make(map[string]bool, len(engine.config.Caches))
	for _, c := range engine.config.Caches {
		if !cacheNamePattern.MatchString(c.Name) {
			return fmt.Errorf("invalid cache name %q", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate cache name %q", c.Name)
		}
		seen[c.Name] = true

		rel, err := filepath.Rel(root, filepath.Join(root, c.Name))
		if err != nil || rel != c.Name {
			return fmt.Errorf("cache %q resolves outside the storage path %s", c.Name, root)
		}
	}
	return nil
}

func (engine *PixcacheEngine) buildCaches(collectors_ *metrics.Collectors) error {
	if err := engine.validateCaches(); err != nil {
		return err
	}

	for i := range engine.config.Caches {
		c := &engine.config.Caches[i]
		store, err := engine.openStore(c, collectors_.For(c.Name))
		if err != nil {
			return fmt.Errorf("unable to open cache %s: %w", c.Name, err)
		}

		cm := cachemanager.NewCacheManager[*bitmap.Bitmap](c.Name, store, engine.codec, c.MemoryCapacity, engine.logger.With("cache", c.Name), collectors_.For(c.Name))
		if err := engine.registry.Register(cm); err != nil {
			return multierr.Append(err, store.Close())
		}
		engine.ttls[c.Name] = c.Ttl
		engine.logger.Info(fmt.Sprintf("Cache %s ready (%s backend, ttl %s, %d in memory)", c.Name, c.Backend, c.Ttl, c.MemoryCapacity))
	}
	return nil
}

func (engine *PixcacheEngine) openStore(c *models.CacheConfig, m *metrics.CacheMetrics) (cachemanager.IStore, error) {
	cacheLogger := engine.logger.With("cache", c.Name)

	switch c.Backend {
	case models.BACKEND_DISK:
		return cache.NewDiskCache(&models.DiskConfig{
			Name:             c.Name,
			Path:             filepath.Join(engine.config.Storage.Path, c.Name),
			Version:          c.Version,
			KeyStrategy:      c.KeyStrategy,
			RecoveryPolicy:   c.RecoveryPolicy,
			CompactThreshold: c.CompactThreshold,
			Sweep:            *c.Sweep,
		}, cacheLogger, m)
	case models.BACKEND_REDIS:
		if engine.config.Redis == nil {
			return nil, fmt.Errorf("redis configuration required for redis backend")
		}
		return cache.NewRedisCache(engine.config.Redis, c.Name, cacheLogger, m), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", c.Backend)
	}
}
