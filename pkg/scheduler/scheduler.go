// Package scheduler drives the compositor on a cooperative per-frame cadence.
//
// One tick runs at a time. The next frame is requested only after the
// current tick returns, and a tick never blocks: when the camera is not
// ready the draw is skipped and the loop keeps polling. Stop cancels the
// pending frame request and releases the camera.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-tryon/pkg/compositor"
)

// State is the scheduler lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrRunning is returned by Start when the scheduler is not stopped.
var ErrRunning = errors.New("scheduler: already running")

// Camera is the capture resource the scheduler gates draws on.
type Camera interface {
	Ready() bool
	Release()
}

// Renderer draws one frame.
type Renderer interface {
	RenderFrame(cfg compositor.Config) compositor.Report
}

// Tick describes one fired frame.
type Tick struct {
	Seq    uint64
	Time   time.Time
	Drew   bool
	Report compositor.Report
}

// Stats are cumulative tick counters.
type Stats struct {
	Ticks   int64 // frames fired while started
	Draws   int64
	Skipped int64 // camera not ready or nothing drawn
	Ignored int64 // stale frames that fired after Stop
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Scheduler runs the render loop.
type Scheduler struct {
	clock    FrameClock
	camera   Camera
	renderer Renderer
	config   func() compositor.Config
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel func()

	// Held for the duration of a tick so Stop can wait it out.
	tickMu sync.Mutex

	seq     atomic.Uint64
	ticks   atomic.Int64
	draws   atomic.Int64
	skipped atomic.Int64
	ignored atomic.Int64

	// OnTick is called at the end of every tick of the current run. It must
	// not call Stop.
	OnTick func(t Tick)

	// OnStateChange is called after every lifecycle transition.
	OnStateChange func(s State)
}

// New creates a stopped scheduler. config is read at the start of every
// tick that draws.
func New(clock FrameClock, camera Camera, renderer Renderer, config func() compositor.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock,
		camera:   camera,
		renderer: renderer,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		s.config = func() compositor.Config { return compositor.Config{} }
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start requests the first frame. The scheduler stays Starting until the
// camera is ready and a frame is drawn.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state != Stopped {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrRunning, st)
	}
	s.gen++
	gen := s.gen
	s.state = Starting
	s.cancel = s.clock.Request(func(now time.Time) { s.tick(gen, now) })
	s.mu.Unlock()

	s.logger.Debug("scheduler starting", "generation", gen)
	s.notify(Starting)
	return nil
}

// Stop cancels the pending frame, waits for a running tick to finish and
// releases the camera. It is a no-op when already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == Stopped || s.state == Stopping {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.notify(Stopping)

	// Waits for a running tick.
	s.tickMu.Lock()
	s.camera.Release()
	s.tickMu.Unlock()

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()

	st := s.Stats()
	s.logger.Info("scheduler stopped", "ticks", st.Ticks, "draws", st.Draws, "skipped", st.Skipped)
	s.notify(Stopped)
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the tick counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:   s.ticks.Load(),
		Draws:   s.draws.Load(),
		Skipped: s.skipped.Load(),
		Ignored: s.ignored.Load(),
	}
}

func (s *Scheduler) tick(gen uint64, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || (s.state != Starting && s.state != Running) {
		s.mu.Unlock()
		s.ignored.Add(1)
		return
	}
	s.cancel = nil
	s.mu.Unlock()

	s.ticks.Add(1)
	t := Tick{Seq: s.seq.Add(1), Time: now}

	if s.camera.Ready() {
		t.Report = s.render()
		t.Drew = t.Report.Drew
	}
	if t.Drew {
		s.draws.Add(1)
	} else {
		s.skipped.Add(1)
	}

	s.mu.Lock()
	if gen != s.gen {
		// Stopped while rendering.
		s.mu.Unlock()
		return
	}
	promoted := t.Drew && s.state == Starting
	if promoted {
		s.state = Running
	}
	s.cancel = s.clock.Request(func(now time.Time) { s.tick(gen, now) })
	cb := s.OnTick
	s.mu.Unlock()

	if promoted {
		s.logger.Info("scheduler running", "generation", gen)
		s.notify(Running)
	}
	if cb != nil {
		cb(t)
	}
}

func (s *Scheduler) render() (rep compositor.Report) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("render panicked", "panic", r)
			rep = compositor.Report{}
		}
	}()
	return s.renderer.RenderFrame(s.config())
}

func (s *Scheduler) notify(st State) {
	if cb := s.OnStateChange; cb != nil {
		cb(st)
	}
}
