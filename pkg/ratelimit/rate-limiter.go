package ratelimit

import (
	"fmt"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/logger"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	STORAGE_MEMORY = "memory"
	STORAGE_REDIS  = "redis"
)

const (
	DEFAULT_REQUESTS = 60
	DEFAULT_WINDOW   = time.Minute
)

// IRateLimiter hands out tokens per key. Allow reports whether a token was
// taken, how many remain and when the next token becomes available.
type IRateLimiter interface {
	Allow(key string) (bool, int64, time.Time)
	Reset(key string)
	Health() error
	Close() error
}

// SetDefaults fills the unset fields of config. An explicit zero Requests is
// kept.
func SetDefaults(config *models.ThrottleConfig) {
	if config == nil {
		return
	}
	if config.Requests == nil {
		requests := int64(DEFAULT_REQUESTS)
		config.Requests = &requests
	}
	if config.Window <= 0 {
		config.Window = DEFAULT_WINDOW
	}
	if config.Storage == "" {
		config.Storage = STORAGE_MEMORY
	}
}

// NewRateLimiter returns nil and no error when throttling is disabled.
func NewRateLimiter(config *models.ThrottleConfig, redisConfig *models.RedisConfig, logger *logger.Logger) (IRateLimiter, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	SetDefaults(config)

	switch strings.ToLower(config.Storage) {
	case STORAGE_MEMORY:
		return NewMemoryRateLimiter(*config.Requests, config.Window, logger), nil
	case STORAGE_REDIS:
		if redisConfig == nil {
			return nil, fmt.Errorf("redis configuration required for redis throttle")
		}
		return NewRedisRateLimiter(redisConfig, *config.Requests, config.Window, logger), nil
	default:
		return nil, fmt.Errorf("unsupported throttle storage type: %s", config.Storage)
	}
}

// HostKey returns the lower-cased host of rawURL, the key upstream fetches
// are throttled by. Unparseable URLs share the empty key.
func HostKey(rawURL string) string {
	uri := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(uri)

	if err := uri.Parse(nil, []byte(rawURL)); err != nil {
		return ""
	}
	return strings.ToLower(string(uri.Host()))
}
