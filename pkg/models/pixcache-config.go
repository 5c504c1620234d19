package models

import "time"

const (
	BACKEND_DISK  = "disk"
	BACKEND_REDIS = "redis"
)

const (
	KEY_STRATEGY_HASH     = "hash"
	KEY_STRATEGY_SANITIZE = "sanitize"
)

const (
	RECOVERY_RESET    = "reset"
	RECOVERY_TRUNCATE = "truncate"
)

type LogConfig struct {
	ToFile       bool   `yaml:"toFile"`
	FilePath     string `yaml:"filePath"`
	ToStdout     bool   `yaml:"toStdout"`
	Prefix       string `yaml:"prefix"`
	Flags        int    `yaml:"flags"`
	DebugEnabled bool   `yaml:"debugEnabled"`
}

type ServerConfig struct {
	Port uint16 `yaml:"port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           *int          `yaml:"db"`
	KeyNamespace string        `yaml:"keyNamespace"`
	DefaultTTL   time.Duration `yaml:"defaultTtl"`
}

// SweepConfig schedules expiry passes over a disk cache. An Interval of zero
// runs a single pass after Delay.
type SweepConfig struct {
	Delay     time.Duration `yaml:"delay"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
}

// DiskConfig is the resolved configuration of a single journaled disk cache.
type DiskConfig struct {
	Name             string
	Path             string
	Version          string
	KeyStrategy      string
	RecoveryPolicy   string
	CompactThreshold int
	Sweep            SweepConfig
}

type CacheConfig struct {
	Name             string        `yaml:"name"`
	Version          string        `yaml:"version"`
	Backend          string        `yaml:"backend"`
	Ttl              time.Duration `yaml:"ttl"`
	MemoryCapacity   int           `yaml:"memoryCapacity"`
	KeyStrategy      string        `yaml:"keyStrategy"`
	RecoveryPolicy   string        `yaml:"recoveryPolicy"`
	CompactThreshold int           `yaml:"compactThreshold"`
	Sweep            *SweepConfig  `yaml:"sweep"`
}

// ThrottleConfig bounds upstream fetches per host with a token bucket kept in
// memory or in Redis. Requests is a pointer so an explicit 0 blocks every
// fetch instead of falling back to the default.
type ThrottleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Storage  string        `yaml:"storage"`
	Requests *int64        `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type FetchConfig struct {
	Timeout     time.Duration   `yaml:"timeout"`
	MaxBodySize int             `yaml:"maxBodySize"`
	UserAgent   string          `yaml:"userAgent"`
	Allow       []string        `yaml:"allow"`
	Throttle    *ThrottleConfig `yaml:"throttle"`
}

type PixcacheConfig struct {
	Log     *LogConfig     `yaml:"log"`
	Server  *ServerConfig  `yaml:"server"`
	Storage *StorageConfig `yaml:"storage"`
	Redis   *RedisConfig   `yaml:"redis"`
	Fetch   *FetchConfig   `yaml:"fetch"`
	Caches  []CacheConfig  `yaml:"caches"`
}
