package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"pixcache/pkg/bitmap"
	"pixcache/pkg/fetcher"
	"pixcache/pkg/utils/fs"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/multierr"
)

const (
	IMAGE_PREFIX    = "/image/"
	CACHE_HEADER    = "X-Pixcache-Cache"
	ALLOWED_METHODS = "GET, HEAD, DELETE"
)

func newMetricsHandler(reg *prometheus.Registry) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

func (engine *PixcacheEngine) Run() {
	addr := fmt.Sprintf(":%d", engine.config.Server.Port)
	engine.logger.Info(fmt.Sprintf("Pixcache engine starting on %s...", addr))

	if err := engine.storePid(); err != nil {
		engine.logger.Warn("Continuing without a pid file; 'pixcache down' will not find this server")
	}

	server := &fasthttp.Server{
		Name:    APP_NAME,
		Handler: engine.Handler(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			engine.logger.Error(fmt.Sprintf("Fatal server error: %v", err))
			os.Exit(1)
		}
	}()

	<-stop
	engine.logger.Info("Shutting down server...")
	if err := server.Shutdown(); err != nil {
		engine.logger.Error(fmt.Sprintf("Server shutdown error: %v", err))
	}
	if cerr := engine.cleanup(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Cleanup error: %v\n", cerr)
	}
}

// Handler serves the picture, metrics and health endpoints.
func (engine *PixcacheEngine) Handler() fasthttp.RequestHandler {
	return engine.handleRequest
}

func (engine *PixcacheEngine) handleRequest(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	engine.logger.Debug(fmt.Sprintf("Incoming request - Method: %s, Path: %s", ctx.Method(), path))

	switch {
	case path == "/healthz":
		engine.handleHealth(ctx)
	case path == "/metrics":
		engine.metricsHandler(ctx)
	case strings.HasPrefix(path, IMAGE_PREFIX):
		engine.handleImage(ctx, strings.TrimPrefix(path, IMAGE_PREFIX))
	default:
		ctx.Error("Not Found", fasthttp.StatusNotFound)
	}
}

func (engine *PixcacheEngine) handleHealth(ctx *fasthttp.RequestCtx) {
	if err := engine.registry.Health(); err != nil {
		engine.logger.Warn(fmt.Sprintf("Health check failed: %v", err))
		ctx.Error("cache backend unavailable", fasthttp.StatusServiceUnavailable)
		return
	}
	if err := engine.fetcher.Health(); err != nil {
		engine.logger.Warn(fmt.Sprintf("Health check failed: %v", err))
		ctx.Error("throttle backend unavailable", fasthttp.StatusServiceUnavailable)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

func (engine *PixcacheEngine) handleImage(ctx *fasthttp.RequestCtx, name string) {
	url := string(ctx.QueryArgs().Peek("url"))

	switch {
	case ctx.IsGet() || ctx.IsHead():
		if url == "" {
			ctx.Error("missing url parameter", fasthttp.StatusBadRequest)
			return
		}
		data, hit, err := engine.Fetch(name, url)
		if err != nil {
			engine.writeFetchError(ctx, name, url, err)
			return
		}

		status := "MISS"
		if hit {
			status = "HIT"
		}
		engine.logger.Info(fmt.Sprintf("Cache %s for %s in %s", status, url, name))
		ctx.Response.Header.Set(CACHE_HEADER, status)
		ctx.SetContentType("image/png")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(data)

	case ctx.IsDelete():
		cm, ok := engine.registry.Get(name)
		if !ok {
			ctx.Error(fmt.Sprintf("unknown cache %q", name), fasthttp.StatusNotFound)
			return
		}
		if url == "" {
			ctx.Error("missing url parameter", fasthttp.StatusBadRequest)
			return
		}
		if !cm.Remove(url) {
			ctx.Error("not cached", fasthttp.StatusNotFound)
			return
		}
		engine.logger.Info(fmt.Sprintf("Removed %s from %s", url, name))
		ctx.SetStatusCode(fasthttp.StatusNoContent)

	default:
		// Error resets the response, headers included.
		ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
		ctx.Response.Header.Set("Allow", ALLOWED_METHODS)
	}
}

func (engine *PixcacheEngine) writeFetchError(ctx *fasthttp.RequestCtx, name, url string, err error) {
	var throttled *fetcher.ThrottledError

	switch {
	case errors.Is(err, ErrUnknownCache):
		ctx.Error(fmt.Sprintf("unknown cache %q", name), fasthttp.StatusNotFound)
	case errors.Is(err, fetcher.ErrNotAllowed):
		ctx.Error("url not allowed", fasthttp.StatusForbidden)
	case errors.As(err, &throttled):
		secs := max(int(math.Ceil(time.Until(throttled.RetryAt).Seconds())), 0)
		ctx.Error("upstream throttled", fasthttp.StatusTooManyRequests)
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", secs))
	case errors.Is(err, fetcher.ErrUpstream):
		ctx.Error("upstream fetch failed", fasthttp.StatusBadGateway)
	default:
		engine.logger.Error(fmt.Sprintf("Serving %s from %s failed: %v", url, name, err))
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
	}
}

// Fetch returns the PNG bytes for url from the named cache, loading it from
// upstream on a miss. The boolean reports a cache hit.
func (engine *PixcacheEngine) Fetch(name, url string) ([]byte, bool, error) {
	cm, ok := engine.registry.Get(name)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}

	for attempt := 0; ; attempt++ {
		b, hit, err := engine.fetcher.Load(cm, url, engine.ttls[name])
		if err != nil {
			return nil, false, err
		}

		data, err := engine.codec.Encode(b)
		// The bitmap can be evicted and released between Load and Encode.
		if errors.Is(err, bitmap.ErrReleased) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return data, hit, nil
	}
}

// CacheNames lists the configured caches.
func (engine *PixcacheEngine) CacheNames() []string {
	return engine.registry.Names()
}

func (engine *PixcacheEngine) pidPath() string {
	return filepath.Join(engine.config.Storage.Path, PID_FILE)
}

func (engine *PixcacheEngine) storePid() error {
	engine.logger.Info("Storing program id information...")

	if err := fs.EnsureDir(engine.config.Storage.Path); err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to create program storage path due to %v", err))
		return err
	}

	if err := os.WriteFile(engine.pidPath(), []byte(fmt.Sprintf("%d", engine.pid)), 0o644); err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to store program id due to %v", err))
		return err
	}

	engine.logger.Info(fmt.Sprintf("Stored program id information at %s", engine.pidPath()))
	return nil
}

// Close releases the fetcher, every cache and finally the logger.
func (engine *PixcacheEngine) Close() error {
	var err error

	if engine.fetcher != nil {
		if ferr := engine.fetcher.Close(); ferr != nil {
			engine.logger.Error(fmt.Sprintf("Failed to close the fetcher: %v", ferr))
			err = multierr.Append(err, ferr)
		}
	}

	if rerr := engine.registry.Close(); rerr != nil {
		engine.logger.Error(fmt.Sprintf("Failed to close the caches due to: %v", rerr))
		err = multierr.Append(err, rerr)
	}
	engine.logger.Info("Caches closed")

	return multierr.Append(err, engine.logger.Close())
}

func (engine *PixcacheEngine) cleanup() error {
	var err error
	if perr := fs.RemoveQuietly(engine.pidPath()); perr != nil {
		engine.logger.Error(fmt.Sprintf("Failed to remove PID file: %v", perr))
		err = perr
	} else {
		engine.logger.Info("PID file removed.")
	}
	return multierr.Append(err, engine.Close())
}
