package pose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds adapter configuration.
type Config struct {
	StaleAfter time.Duration // Frames older than this are not used (default 500ms)
	MinScore   float64       // Mean keypoint score below which a result counts as no pose
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter: 500 * time.Millisecond,
		MinScore:   0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StaleAfter <= 0 {
		return fmt.Errorf("pose: stale window must be positive, got %v", c.StaleAfter)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("pose: min score must be in [0,1], got %v", c.MinScore)
	}
	return nil
}

// Stats counts adapter activity.
type Stats struct {
	Requested int64 `json:"requested"`
	Dropped   int64 `json:"dropped"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// WithClock overrides time.Now for timestamps and staleness checks.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Adapter throttles a Detector to one call in flight.
type Adapter struct {
	detector Detector
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	busy atomic.Bool
	wg   sync.WaitGroup

	mu      sync.RWMutex
	latest  *Frame
	lastErr error
	closed  bool

	requested atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	// Callback after every detection. Not invoked after Close.
	OnResult func(f Frame, err error)
}

// NewAdapter wraps detector. An invalid cfg falls back to DefaultConfig.
func NewAdapter(detector Detector, cfg Config, opts ...Option) *Adapter {
	if err := cfg.Validate(); err != nil {
		cfg = DefaultConfig()
	}
	a := &Adapter{
		detector: detector,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "pose")
	return a
}

// Detect starts detection on img unless one is already running. It never
// blocks; false means the request was dropped. The caller must not modify
// img afterwards.
func (a *Adapter) Detect(ctx context.Context, img image.Image) bool {
	if img == nil {
		return false
	}

	// Close sets closed under mu before waiting, so the Add cannot race
	// with Wait.
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if !a.busy.CompareAndSwap(false, true) {
		a.mu.Unlock()
		a.dropped.Add(1)
		return false
	}
	a.wg.Add(1)
	a.mu.Unlock()

	a.requested.Add(1)
	go a.run(ctx, img, a.now())
	return true
}

func (a *Adapter) run(ctx context.Context, img image.Image, captured time.Time) {
	defer a.wg.Done()

	kps, err := a.detector.Detect(ctx, img)
	if err == nil && (len(kps) == 0 || MeanScore(kps) < a.cfg.MinScore) {
		err = ErrNoPoseFound
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.busy.Store(false)
		return
	}
	var f Frame
	if err != nil {
		err = wrapDetection(err)
		a.lastErr = err
		a.failed.Add(1)
	} else {
		f = Frame{Timestamp: captured, Keypoints: kps, Confidence: MeanScore(kps)}
		a.latest = &f
		a.lastErr = nil
		a.completed.Add(1)
	}
	cb := a.OnResult
	a.mu.Unlock()
	// Publish before freeing the slot.
	a.busy.Store(false)

	if err != nil {
		if errors.Is(err, ErrModelError) {
			a.logger.Warn("detection failed", "error", err)
		} else {
			a.logger.Debug("no pose", "error", err)
		}
	}
	if cb != nil {
		cb(f, err)
	}
}

// Latest returns the newest pose if it is still fresh.
func (a *Adapter) Latest() (Frame, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil || !a.latest.Fresh(a.now(), a.cfg.StaleAfter) {
		return Frame{}, false
	}
	return *a.latest, true
}

// Err returns the error of the most recent detection, nil after a success.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// InFlight reports whether a detection is running.
func (a *Adapter) InFlight() bool {
	return a.busy.Load()
}

// Reset forgets the latest pose.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.latest = nil
	a.lastErr = nil
	a.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Requested: a.requested.Load(),
		Dropped:   a.dropped.Load(),
		Completed: a.completed.Load(),
		Failed:    a.failed.Load(),
	}
}

// Config returns the adapter configuration.
func (a *Adapter) Config() Config {
	return a.cfg
}

// Close stops accepting requests, waits for the running detection and
// closes the detector.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	return a.detector.Close()
}
