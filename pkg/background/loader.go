package background

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of decoded assets kept by a Loader.
const DefaultCacheSize = 16

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithCacheSize bounds the decoded asset cache.
func WithCacheSize(n int) Option {
	return func(ld *Loader) {
		if n > 0 {
			ld.cacheSize = n
		}
	}
}

// WithName tags log lines, e.g. "background" or "garment".
func WithName(name string) Option {
	return func(ld *Loader) {
		ld.name = name
	}
}

// Loader resolves uris to decoded assets. Each uri is fetched and decoded
// at most once while it stays cached; a failed network fetch is retried
// only when the uri is loaded again.
type Loader struct {
	fetcher   Fetcher
	logger    *slog.Logger
	name      string
	cacheSize int

	mu      sync.Mutex
	cache   *lru.Cache[string, *Asset]
	current *Asset

	decodes atomic.Int64
	fetches atomic.Int64

	// Callback on every asset transition. Invoked from the goroutine that
	// resolved the asset, outside the loader lock.
	OnUpdate func(a *Asset)
}

// NewLoader creates a loader reading through fetcher.
func NewLoader(fetcher Fetcher, opts ...Option) *Loader {
	ld := &Loader{
		fetcher:   fetcher,
		logger:    slog.Default(),
		name:      "background",
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.logger = ld.logger.With("component", ld.name)

	cache, err := lru.New[string, *Asset](ld.cacheSize)
	if err != nil {
		// Only reachable with a non-positive size, which WithCacheSize rejects.
		panic(err)
	}
	ld.cache = cache
	return ld
}

// Load selects uri and returns its asset. A cached or in-flight asset is
// returned as-is; otherwise a fetch and decode start on a new goroutine
// governed by ctx.
func (ld *Loader) Load(ctx context.Context, uri string) *Asset {
	ld.mu.Lock()
	if a, ok := ld.cache.Get(uri); ok && !retryable(a) {
		ld.current = a
		ld.mu.Unlock()
		return a
	}

	a := newAsset(uuid.NewString(), uri)
	ld.cache.Add(uri, a)
	ld.current = a
	ld.mu.Unlock()

	ld.logger.Debug("loading asset", "uri", uri, "asset", a.ID)
	ld.notify(a)
	go ld.resolve(ctx, a)
	return a
}

// Clear drops the current selection. Cached assets stay cached.
func (ld *Loader) Clear() {
	ld.mu.Lock()
	ld.current = nil
	ld.mu.Unlock()
}

// Current returns the selected asset or nil.
func (ld *Loader) Current() *Asset {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.current
}

// Decodes returns how many decodes were started.
func (ld *Loader) Decodes() int {
	return int(ld.decodes.Load())
}

// Fetches returns how many fetches were started.
func (ld *Loader) Fetches() int {
	return int(ld.fetches.Load())
}

// Cached returns the number of assets in the cache.
func (ld *Loader) Cached() int {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.cache.Len()
}

func (ld *Loader) resolve(ctx context.Context, a *Asset) {
	ld.fetches.Add(1)
	p, err := ld.fetcher.Fetch(ctx, a.URI)
	if err != nil {
		ld.fail(a, nil, false, &DecodeError{URI: a.URI, Kind: ErrNetwork, Err: err})
		return
	}

	ld.decodes.Add(1)
	img, format, err := Decode(p.Data)
	if err != nil {
		ld.fail(a, nil, false, &DecodeError{URI: a.URI, Kind: ErrDecode, Err: err})
		return
	}

	if p.Tainted {
		// Pixels may still be drawn but must never be read back.
		ld.fail(a, img, true, &DecodeError{URI: a.URI, Kind: ErrCORSBlocked})
		return
	}

	a.resolve(img, false, nil)
	ld.logger.Info("asset ready", "uri", a.URI, "format", format, "size", img.Rect.Size())
	ld.notify(a)
}

func (ld *Loader) fail(a *Asset, img *image.RGBA, tainted bool, err *DecodeError) {
	a.resolve(img, tainted, err)
	ld.logger.Warn("asset failed", "uri", a.URI, "error", err)
	ld.notify(a)
}

func (ld *Loader) notify(a *Asset) {
	if cb := ld.OnUpdate; cb != nil {
		cb(a)
	}
}

// retryable reports whether a cached asset should be fetched again.
// Network failures are transient; decode and CORS outcomes are not.
func retryable(a *Asset) bool {
	return a.State() == StateFailed && errors.Is(a.Err(), ErrNetwork)
}
