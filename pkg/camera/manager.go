package camera

import (
	"context"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of the capture session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateError
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Session is an acquired capture stream.
type Session struct {
	ID          string
	Constraints Constraints
	StartedAt   time.Time

	stream Stream
}

// Frame returns the latest frame of the session's stream.
func (s *Session) Frame() (*image.RGBA, bool) {
	return s.stream.Frame()
}

// Size returns the negotiated frame size.
func (s *Session) Size() image.Point {
	return s.stream.Size()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the capture device. At most one acquisition is outstanding;
// concurrent Acquire calls with the same constraints share one stream.
type Manager struct {
	device Device
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	session  *Session
	lastErr  error
	last     *Constraints
	inflight *acquireCall
	gen      uint64

	acquisitions int
	releases     int

	// Callback on every state transition. Invoked outside the manager lock,
	// on the goroutine that caused the transition.
	OnStateChange func(state State, session *Session, err error)
}

type acquireCall struct {
	done        chan struct{}
	constraints Constraints
	session     *Session
	err         error
}

// NewManager creates a manager for the given device.
func NewManager(device Device, opts ...Option) *Manager {
	m := &Manager{
		device: device,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "camera")
	return m
}

// Acquire opens the device with constraints c, or joins the acquisition
// already in flight. It blocks until the outcome is known; callers on a
// render loop should invoke it from a separate goroutine.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Session, error) {
	if problems := c.Validate(); len(problems) > 0 {
		err := &AcquisitionError{
			Kind:        ErrConstraintsNotSatisfiable,
			Constraints: c,
			Err:         validationError(problems),
		}
		m.transition(StateError, nil, err)
		return nil, err
	}

	m.mu.Lock()
	for m.inflight != nil {
		call := m.inflight
		m.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.constraints == c {
			return call.session, call.err
		}
		m.mu.Lock()
	}

	if m.state == StateReady && m.session != nil && m.session.Constraints == c {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}

	// Different constraints: the previous stream must go before re-acquiring.
	old := m.session
	m.session = nil
	if old != nil {
		m.releases++
	}

	call := &acquireCall{done: make(chan struct{}), constraints: c}
	m.inflight = call
	cc := c
	m.last = &cc
	m.state = StateInitializing
	m.lastErr = nil
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		m.stopStream(old)
	}
	m.notify(StateInitializing, nil, nil)
	m.logger.Debug("acquiring", "constraints", c.String())

	stream, err := m.device.Open(ctx, c)

	m.mu.Lock()
	m.inflight = nil
	if m.gen != gen {
		// Released while opening: the stream must not leak.
		m.mu.Unlock()
		if stream != nil {
			_ = stream.Stop()
		}
		call.err = ErrReleased
		close(call.done)
		return nil, ErrReleased
	}

	if err != nil {
		ae := classify(c, err)
		m.state = StateError
		m.lastErr = ae
		m.mu.Unlock()
		call.err = ae
		close(call.done)
		m.logger.Warn("acquisition failed", "error", ae)
		m.notify(StateError, nil, ae)
		return nil, ae
	}

	s := &Session{
		ID:          uuid.NewString(),
		Constraints: c,
		StartedAt:   m.now(),
		stream:      stream,
	}
	m.session = s
	m.state = StateReady
	m.acquisitions++
	m.mu.Unlock()

	call.session = s
	close(call.done)
	m.logger.Info("camera ready", "session", s.ID, "size", stream.Size())
	m.notify(StateReady, s, nil)
	return s, nil
}

// Release stops all tracks of the current session. It is idempotent and
// safe to call when nothing was ever acquired. An acquisition in flight is
// cancelled: its stream is stopped as soon as it opens.
func (m *Manager) Release() {
	m.mu.Lock()
	s := m.session
	pending := m.inflight != nil
	if s == nil && !pending {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.session = nil
	m.state = StateReleased
	if s != nil {
		m.releases++
	}
	m.mu.Unlock()

	if s != nil {
		m.stopStream(s)
		m.logger.Info("camera released", "session", s.ID)
	}
	m.notify(StateReleased, nil, nil)
}

// Restart releases the current stream and re-acquires with the last constraints.
func (m *Manager) Restart(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last == nil {
		return nil, ErrNoConstraints
	}
	m.Release()
	return m.Acquire(ctx, *last)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether a session is live.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Err returns the last acquisition error, if the manager is in StateError.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Session returns the live session or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Constraints returns the last requested constraints.
func (m *Manager) Constraints() (Constraints, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Constraints{}, false
	}
	return *m.last, true
}

// Frame returns the latest frame when the session is ready.
func (m *Manager) Frame() (*image.RGBA, bool) {
	m.mu.Lock()
	s := m.session
	ready := m.state == StateReady
	m.mu.Unlock()
	if !ready || s == nil {
		return nil, false
	}
	return s.Frame()
}

// Stats returns how many sessions were opened and released.
func (m *Manager) Stats() (acquisitions, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquisitions, m.releases
}

func (m *Manager) stopStream(s *Session) {
	if err := s.stream.Stop(); err != nil {
		m.logger.Warn("stream stop failed", "session", s.ID, "error", err)
	}
}

func (m *Manager) transition(state State, s *Session, err error) {
	m.mu.Lock()
	if m.inflight != nil || m.session != nil {
		// A live or pending session is unaffected by a rejected request.
		m.mu.Unlock()
		return
	}
	m.state = state
	m.lastErr = err
	m.mu.Unlock()
	m.notify(state, s, err)
}

func (m *Manager) notify(state State, s *Session, err error) {
	if cb := m.OnStateChange; cb != nil {
		cb(state, s, err)
	}
}

type validationError []string

func (v validationError) Error() string {
	return "invalid constraints: " + strings.Join(v, "; ")
}
