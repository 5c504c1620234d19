// Package fetcher loads pictures into a cache on a miss: it downloads the URL,
// decodes it and stores it with the caller's TTL.
package fetcher

import (
	"errors"
	"fmt"
	"pixcache/pkg/bitmap"
	"pixcache/pkg/cachemanager"
	"pixcache/pkg/metrics"
	"pixcache/pkg/models"
	"pixcache/pkg/ratelimit"
	"pixcache/pkg/utils/logger"
	"pixcache/pkg/utils/regex"
	"regexp"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"
)

const (
	DEFAULT_TIMEOUT       = 10 * time.Second
	DEFAULT_MAX_BODY_SIZE = 8 * 1024 * 1024
	DEFAULT_USER_AGENT    = "pixcache"
)

const (
	RESULT_OK        = "ok"
	RESULT_REJECTED  = "rejected"
	RESULT_THROTTLED = "throttled"
	RESULT_ERROR     = "error"
)

var (
	ErrNotAllowed = errors.New("url not allowed")
	ErrThrottled  = errors.New("upstream throttled")
	ErrUpstream   = errors.New("upstream fetch failed")
)

// ThrottledError carries the time the upstream host accepts requests again.
type ThrottledError struct {
	Host    string
	RetryAt time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("upstream %s throttled until %s", e.Host, e.RetryAt.Format(time.RFC3339))
}

func (e *ThrottledError) Unwrap() error {
	return ErrThrottled
}

type Fetcher struct {
	config  models.FetchConfig
	allow   *regexp.Regexp
	limiter ratelimit.IRateLimiter
	client  *fasthttp.Client
	codec   *bitmap.PNGCodec
	group   singleflight.Group
	logger  *logger.Logger
	metrics *metrics.Collectors
}

// NewFetcher builds a fetcher. limiter and collectors may be nil. The fetcher
// owns limiter and closes it.
func NewFetcher(config *models.FetchConfig, limiter ratelimit.IRateLimiter, logger *logger.Logger, collectors *metrics.Collectors) (*Fetcher, error) {
	cfg := models.FetchConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DEFAULT_TIMEOUT
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DEFAULT_MAX_BODY_SIZE
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DEFAULT_USER_AGENT
	}

	allow, err := regex.CombinePatterns(cfg.Allow)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		config:  cfg,
		allow:   allow,
		limiter: limiter,
		client: &fasthttp.Client{
			Name:                cfg.UserAgent,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxResponseBodySize: cfg.MaxBodySize,
		},
		codec:   bitmap.NewPNGCodec(),
		logger:  logger,
		metrics: collectors,
	}, nil
}

// Allowed reports whether url passes the allow list. An empty list allows
// everything.
func (f *Fetcher) Allowed(url string) bool {
	return f.allow == nil || f.allow.MatchString(url)
}

// Load returns the picture for url from cm, downloading and storing it on a
// miss. The boolean reports a cache hit. Concurrent misses on the same cache
// and url share one download.
func (f *Fetcher) Load(cm *cachemanager.CacheManager[*bitmap.Bitmap], url string, ttl time.Duration) (*bitmap.Bitmap, bool, error) {
	m := f.metrics.For(cm.Name())

	if !f.Allowed(url) {
		m.Fetch(RESULT_REJECTED)
		return nil, false, fmt.Errorf("%w: %s", ErrNotAllowed, url)
	}

	if b, ok := cm.TryGet(url); ok {
		return b, true, nil
	}

	v, err, shared := f.group.Do(cm.Name()+"\x00"+url, func() (any, error) {
		return f.load(cm, url, ttl)
	})
	if shared {
		f.logger.Debug(fmt.Sprintf("Shared in-flight fetch of %s", url))
	}

	if err != nil {
		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			m.Fetch(RESULT_THROTTLED)
		} else {
			m.Fetch(RESULT_ERROR)
		}
		return nil, false, err
	}

	res := v.(loaded)
	if !res.hit {
		m.Fetch(RESULT_OK)
	}
	return res.bitmap, res.hit, nil
}

type loaded struct {
	bitmap *bitmap.Bitmap
	hit    bool
}

// load runs inside the flight. A flight for the same url may have finished
// between the caller's miss and this one starting, so the cache is checked
// again before going upstream.
func (f *Fetcher) load(cm *cachemanager.CacheManager[*bitmap.Bitmap], url string, ttl time.Duration) (loaded, error) {
	if b, ok := cm.TryGet(url); ok {
		return loaded{bitmap: b, hit: true}, nil
	}

	b, err := f.fetch(url)
	if err != nil {
		return loaded{}, err
	}
	return loaded{bitmap: cm.AddOrUpdate(url, b, ttl)}, nil
}

func (f *Fetcher) fetch(url string) (*bitmap.Bitmap, error) {
	if f.limiter != nil {
		host := ratelimit.HostKey(url)
		if allowed, _, retryAt := f.limiter.Allow(host); !allowed {
			f.logger.Warn(fmt.Sprintf("Upstream %s throttled, not fetching %s", host, url))
			return nil, &ThrottledError{Host: host, RetryAt: retryAt}
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(f.config.UserAgent)

	start := time.Now()
	if err := f.client.DoTimeout(req, resp, f.config.Timeout); err != nil {
		f.logger.Error(fmt.Sprintf("Fetching %s failed: %v", url, err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, url, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		f.logger.Warn(fmt.Sprintf("Fetching %s returned status %d", url, status))
		return nil, fmt.Errorf("%w: %s: status %d", ErrUpstream, url, status)
	}

	b, err := f.codec.Decode(resp.Body())
	if err != nil {
		f.logger.Warn(fmt.Sprintf("Fetched %s is not a picture: %v", url, err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, url, err)
	}

	f.logger.Info(fmt.Sprintf("Fetched %s (%d bytes) in %s", url, len(resp.Body()), time.Since(start)))
	return b, nil
}

// Health reports the state of the throttle backend.
func (f *Fetcher) Health() error {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Health()
}

func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	if f.limiter != nil {
		return f.limiter.Close()
	}
	return nil
}
