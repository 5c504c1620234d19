package ratelimit

import (
	"pixcache/pkg/models"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	config := &models.ThrottleConfig{Enabled: true}
	SetDefaults(config)

	if config.Requests == nil || *config.Requests != DEFAULT_REQUESTS {
		t.Errorf("Requests = %v", config.Requests)
	}
	if config.Window != DEFAULT_WINDOW {
		t.Errorf("Window = %v", config.Window)
	}
	if config.Storage != STORAGE_MEMORY {
		t.Errorf("Storage = %q", config.Storage)
	}

	SetDefaults(nil)
}

func TestSetDefaults_KeepsZeroLimit(t *testing.T) {
	zero := int64(0)
	config := &models.ThrottleConfig{Enabled: true, Requests: &zero}
	SetDefaults(config)

	if *config.Requests != 0 {
		t.Errorf("explicit zero limit replaced by %d", *config.Requests)
	}

	l, err := NewRateLimiter(config, nil, createTestLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if allowed, _, _ := l.Allow("tiles.example.com"); allowed {
		t.Error("a zero limit must block every request")
	}
}

func TestNewRateLimiter(t *testing.T) {
	log := createTestLogger(t)

	if l, err := NewRateLimiter(nil, nil, log); l != nil || err != nil {
		t.Error("nil config should disable throttling")
	}
	if l, err := NewRateLimiter(&models.ThrottleConfig{Enabled: false}, nil, log); l != nil || err != nil {
		t.Error("disabled config should disable throttling")
	}

	five := int64(5)
	l, err := NewRateLimiter(&models.ThrottleConfig{Enabled: true, Requests: &five, Window: time.Second}, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*MemoryRateLimiter); !ok {
		t.Errorf("expected memory limiter, got %T", l)
	}
	l.Close()

	if _, err := NewRateLimiter(&models.ThrottleConfig{Enabled: true, Storage: STORAGE_REDIS}, nil, log); err == nil {
		t.Error("redis storage without redis config must fail")
	}
	if _, err := NewRateLimiter(&models.ThrottleConfig{Enabled: true, Storage: "etcd"}, nil, log); err == nil {
		t.Error("unknown storage must fail")
	}

	l, err = NewRateLimiter(&models.ThrottleConfig{Enabled: true, Storage: "Redis"}, &models.RedisConfig{Address: "127.0.0.1:1"}, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*RedisRateLimiter); !ok {
		t.Errorf("expected redis limiter, got %T", l)
	}
	l.Close()
}

func TestHostKey(t *testing.T) {
	cases := map[string]string{
		"http://Maps.Example.com/staticmap?center=1,2": "maps.example.com",
		"https://tiles.example.com:8443/a.png":         "tiles.example.com:8443",
		"http://127.0.0.1/x.png":                       "127.0.0.1",
	}
	for in, want := range cases {
		if got := HostKey(in); got != want {
			t.Errorf("HostKey(%q) = %q, want %q", in, got, want)
		}
	}
}
