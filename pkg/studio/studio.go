// Package studio wires the try-on pipeline together: camera manager,
// background and garment loaders, pose adapter, compositor, scheduler and
// exporter.
//
// Camera and asset resolutions arrive on their own goroutines. They are all
// funneled through one Store so the UI sees a single consistent State.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/compositor"
	"github.com/teslashibe/go-tryon/pkg/export"
	"github.com/teslashibe/go-tryon/pkg/pose"
	"github.com/teslashibe/go-tryon/pkg/scheduler"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrStarted    = errors.New("studio: already started")
	ErrNotStarted = errors.New("studio: not started")
	ErrClosed     = errors.New("studio: closed")
)

// DefaultNotificationBuffer is the notification channel capacity.
const DefaultNotificationBuffer = 16

type settings struct {
	logger       *slog.Logger
	constraints  camera.Constraints
	clock        scheduler.FrameClock
	detector     pose.Detector
	poseCfg      pose.Config
	prefix       string
	cacheSize    int
	notifyBuffer int
	config       Config
}

// Option configures a Studio.
type Option func(*settings)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithConstraints sets the base capture constraints.
func WithConstraints(c camera.Constraints) Option {
	return func(s *settings) {
		s.constraints = c
	}
}

// WithClock sets the frame clock. Defaults to an IntervalClock at the
// constraint framerate.
func WithClock(c scheduler.FrameClock) Option {
	return func(s *settings) {
		s.clock = c
	}
}

// WithDetector enables overlays backed by d.
func WithDetector(d pose.Detector, cfg pose.Config) Option {
	return func(s *settings) {
		s.detector = d
		s.poseCfg = cfg
	}
}

// WithExportPrefix sets the capture filename prefix.
func WithExportPrefix(prefix string) Option {
	return func(s *settings) {
		s.prefix = prefix
	}
}

// WithCacheSize bounds each asset cache.
func WithCacheSize(n int) Option {
	return func(s *settings) {
		s.cacheSize = n
	}
}

// WithNotificationBuffer sets the notification channel capacity.
func WithNotificationBuffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.notifyBuffer = n
		}
	}
}

// WithConfig sets the initial selection.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		s.config = cfg
	}
}

// Status is a point-in-time summary for monitoring.
type Status struct {
	State         State           `json:"state"`
	Scheduler     scheduler.Stats `json:"scheduler"`
	Pose          *pose.Stats     `json:"pose,omitempty"`
	Renders       int64           `json:"renders"`
	StepsSkipped  int64           `json:"steps_skipped"`
	Acquisitions  int             `json:"acquisitions"`
	Releases      int             `json:"releases"`
	AssetDecodes  int             `json:"asset_decodes"`
	AssetsCached  int             `json:"assets_cached"`
	Notifications int             `json:"notifications_pending"`
}

// Studio is a running try-on mirror.
type Studio struct {
	logger      *slog.Logger
	camera      *camera.Manager
	backgrounds *background.Loader
	garments    *background.Loader
	poses       *pose.Adapter
	comp        *compositor.Compositor
	sched       *scheduler.Scheduler
	exporter    *export.Exporter
	store       *Store

	// Loads and detections outlive Stop; they end on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	render      compositor.Config
	constraints camera.Constraints
	started     bool
	closed      bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	acquiring   sync.WaitGroup

	notesMu     sync.RWMutex
	notes       chan Notification
	notesClosed bool

	// OnFrame receives every published frame, on the scheduler goroutine.
	OnFrame func(f *compositor.OutputFrame)
}

// New builds a studio around device and fetcher.
func New(device camera.Device, fetcher background.Fetcher, opts ...Option) (*Studio, error) {
	set := settings{
		logger:       slog.Default(),
		constraints:  camera.DefaultConstraints(),
		poseCfg:      pose.DefaultConfig(),
		prefix:       export.DefaultPrefix,
		cacheSize:    background.DefaultCacheSize,
		notifyBuffer: DefaultNotificationBuffer,
		config:       Config{},
	}
	for _, opt := range opts {
		opt(&set)
	}
	if problems := set.constraints.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", camera.ErrConstraintsNotSatisfiable, strings.Join(problems, "; "))
	}
	if err := set.config.Validate(); err != nil {
		return nil, err
	}
	if set.clock == nil {
		set.clock = scheduler.NewIntervalClock(set.constraints.Framerate)
	}

	logger := set.logger
	ctx, cancel := context.WithCancel(context.Background())
	s := &Studio{
		logger:      logger.With("component", "studio"),
		camera:      camera.NewManager(device, camera.WithLogger(logger)),
		backgrounds: background.NewLoader(fetcher, background.WithLogger(logger), background.WithCacheSize(set.cacheSize)),
		garments:    background.NewLoader(fetcher, background.WithLogger(logger), background.WithCacheSize(set.cacheSize), background.WithName("garment")),
		exporter:    export.New(export.WithLogger(logger), export.WithPrefix(set.prefix)),
		store:       NewStore(InitialState(set.config)),
		ctx:         ctx,
		cancel:      cancel,
		constraints: set.config.Constraints(set.constraints),
		notes:       make(chan Notification, set.notifyBuffer),
	}

	var poses compositor.Poses
	if set.detector != nil {
		if err := set.poseCfg.Validate(); err != nil {
			cancel()
			return nil, err
		}
		s.poses = pose.NewAdapter(set.detector, set.poseCfg, pose.WithLogger(logger))
		poses = s.poses
	}

	s.comp = compositor.New(s.camera, poses, compositor.WithLogger(logger), compositor.WithContext(ctx))
	s.sched = scheduler.New(set.clock, s.camera, s.comp, s.renderConfig, scheduler.WithLogger(logger))

	s.camera.OnStateChange = s.onCamera
	s.backgrounds.OnUpdate = func(a *background.Asset) { s.onLoaded(RoleBackground, a) }
	s.garments.OnUpdate = func(a *background.Asset) { s.onLoaded(RoleOverlay, a) }
	s.sched.OnStateChange = func(st scheduler.State) { s.store.Dispatch(SchedulerChanged{State: st}) }
	s.sched.OnTick = s.onTick

	if err := s.Apply(set.config); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Start begins acquiring the camera and runs the render loop. Draws start
// once the camera is ready.
func (s *Studio) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return ErrStarted
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.started = true
	runCtx, c := s.runCtx, s.constraints
	s.mu.Unlock()

	if err := s.sched.Start(); err != nil {
		s.mu.Lock()
		s.started = false
		s.runCancel()
		s.mu.Unlock()
		return err
	}
	s.acquire(runCtx, c)
	s.logger.Info("studio started", "constraints", c.String())
	return nil
}

// Stop halts the render loop and releases the camera. The last frame stays
// available for capture.
func (s *Studio) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.runCancel()
	s.mu.Unlock()

	s.sched.Stop()
	s.acquiring.Wait()
	// An acquisition that finished after the scheduler released is
	// released here.
	s.camera.Release()
	if s.poses != nil {
		s.poses.Reset()
	}
	s.logger.Info("studio stopped")
}

// Close stops the studio, releases the camera and closes the pose
// detector and the notification channel.
func (s *Studio) Close() error {
	s.Stop()
	s.camera.Release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.poses != nil {
		err = s.poses.Close()
	}

	s.notesMu.Lock()
	close(s.notes)
	s.notesClosed = true
	s.notesMu.Unlock()
	return err
}

// Apply validates and installs a new selection. Background and garment
// loads start immediately; a changed output size restarts the camera.
func (s *Studio) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	chain, err := cfg.Chain()
	if err != nil {
		return err
	}

	s.store.Dispatch(ConfigApplied{Config: cfg})

	var bg, garment *background.Asset
	if uri := cfg.BackgroundURI(); uri != "" {
		bg = s.backgrounds.Load(s.ctx, uri)
		s.onAsset(RoleBackground, bg)
	} else {
		s.backgrounds.Clear()
	}
	if uri := cfg.OverlayURI(); uri != "" {
		garment = s.garments.Load(s.ctx, uri)
		s.onAsset(RoleOverlay, garment)
	} else {
		s.garments.Clear()
	}

	s.mu.Lock()
	prev := s.constraints
	next := cfg.Constraints(prev)
	s.constraints = next
	s.render = compositor.Config{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Chain:      chain,
		Background: bg,
		Garment:    garment,
		Anchor:     cfg.Anchor(),
	}
	started, runCtx := s.started, s.runCtx
	s.mu.Unlock()

	s.logger.Debug("config applied", "filters", chain.String(), "background", cfg.BackgroundURI(), "overlay", cfg.OverlayURI())
	if started && (next.Width != prev.Width || next.Height != prev.Height) {
		s.logger.Info("output size changed, restarting camera", "from", prev.String(), "to", next.String())
		s.acquire(runCtx, next)
	}
	return nil
}

// Capture exports the current frame as PNG.
func (s *Studio) Capture() (*export.Artifact, error) {
	a, err := s.exporter.Capture(s.comp.Surface())
	if err != nil {
		s.store.Dispatch(CaptureFailed{Err: err})
		s.notify(err)
		return nil, err
	}
	return a, nil
}

// RestartCamera releases the camera and acquires it again with the current
// constraints. It blocks until the outcome is known and fails with
// ErrNotStarted unless the studio is running. Stop cancels it.
func (s *Studio) RestartCamera(ctx context.Context) (*camera.Session, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	c, runCtx := s.constraints, s.runCtx
	s.acquiring.Add(1)
	s.mu.Unlock()
	defer s.acquiring.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	s.camera.Release()
	return s.camera.Acquire(ctx, c)
}

// Snapshot returns the current state.
func (s *Studio) Snapshot() State {
	return s.store.State()
}

// Status returns the state plus component counters.
func (s *Studio) Status() Status {
	renders, skipped := s.comp.Stats()
	acq, rel := s.camera.Stats()
	st := Status{
		State:         s.store.State(),
		Scheduler:     s.sched.Stats(),
		Renders:       renders,
		StepsSkipped:  skipped,
		Acquisitions:  acq,
		Releases:      rel,
		AssetDecodes:  s.backgrounds.Decodes() + s.garments.Decodes(),
		AssetsCached:  s.backgrounds.Cached() + s.garments.Cached(),
		Notifications: s.pendingNotifications(),
	}
	if s.poses != nil {
		ps := s.poses.Stats()
		st.Pose = &ps
	}
	return st
}

// Notifications delivers terminal errors. It is closed by Close.
func (s *Studio) Notifications() <-chan Notification {
	return s.notes
}

// Store exposes the state store for change subscriptions.
func (s *Studio) Store() *Store {
	return s.store
}

// Surface returns the output surface.
func (s *Studio) Surface() *compositor.Surface {
	return s.comp.Surface()
}

// Camera returns the camera manager.
func (s *Studio) Camera() *camera.Manager {
	return s.camera
}

func (s *Studio) renderConfig() compositor.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.render
}

func (s *Studio) acquire(ctx context.Context, c camera.Constraints) {
	s.acquiring.Add(1)
	go func() {
		defer s.acquiring.Done()
		if _, err := s.camera.Acquire(ctx, c); err != nil {
			s.logger.Debug("acquire ended", "error", err)
		}
	}()
}

func (s *Studio) onCamera(st camera.State, _ *camera.Session, err error) {
	s.store.Dispatch(CameraChanged{State: st, Err: err})
	if st == camera.StateError {
		s.notify(err)
	}
}

func (s *Studio) onAsset(role Role, a *background.Asset) {
	st := a.State()
	s.store.Dispatch(AssetChanged{
		Role:    role,
		ID:      a.ID,
		URI:     a.URI,
		State:   st,
		Tainted: a.Tainted(),
		Err:     a.Err(),
	})
}

func (s *Studio) onLoaded(role Role, a *background.Asset) {
	s.onAsset(role, a)
	if a.State() == background.StateFailed {
		s.notify(a.Err())
	}
}

func (s *Studio) onTick(t scheduler.Tick) {
	s.store.Dispatch(FrameRendered{Drew: t.Drew, SkippedSteps: len(t.Report.Skipped)})
	if !t.Drew {
		return
	}
	if cb := s.OnFrame; cb != nil {
		if f, ok := s.comp.Surface().Latest(); ok {
			cb(f)
		}
	}
}

// notify publishes err when it is terminal. It never blocks.
func (s *Studio) notify(err error) {
	kind, ok := Classify(err)
	if !ok {
		return
	}
	n := Notification{Kind: kind, Message: err.Error(), Time: time.Now(), Err: err}

	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	if s.notesClosed {
		return
	}
	select {
	case s.notes <- n:
	default:
		s.logger.Warn("notification dropped", "kind", kind, "error", err)
	}
}

func (s *Studio) pendingNotifications() int {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	return len(s.notes)
}
