package studio

import (
	"sync"

	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/scheduler"
)

// Role distinguishes the two image assets a studio loads.
type Role string

const (
	RoleBackground Role = "background"
	RoleOverlay    Role = "overlay"
)

// Asset status values. "none" means nothing is selected.
const (
	AssetNone    = "none"
	AssetLoading = "loading"
	AssetReady   = "ready"
	AssetFailed  = "failed"
)

// AssetStatus is the UI view of a selected asset.
type AssetStatus struct {
	ID      string `json:"id,omitempty"`
	URI     string `json:"uri,omitempty"`
	State   string `json:"state"`
	Tainted bool   `json:"tainted,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a AssetStatus) resolved() bool {
	return a.State == AssetReady || a.State == AssetFailed
}

// State is the single view of everything that feeds the draw step.
type State struct {
	// Version increases on every change except frame counters.
	Version uint64 `json:"version"`

	Camera      string `json:"camera"`
	CameraError string `json:"camera_error,omitempty"`
	Scheduler   string `json:"scheduler"`

	Background AssetStatus `json:"background"`
	Overlay    AssetStatus `json:"overlay"`
	Config     Config      `json:"config"`

	Frames       int64 `json:"frames"`
	SkippedTicks int64 `json:"skipped_ticks"`
	SkippedSteps int64 `json:"skipped_steps"`

	LastError string `json:"last_error,omitempty"`
}

// InitialState is the state of a studio that was never started.
func InitialState(cfg Config) State {
	return State{
		Camera:     camera.StateIdle.String(),
		Scheduler:  scheduler.Stopped.String(),
		Background: AssetStatus{State: AssetNone},
		Overlay:    AssetStatus{State: AssetNone},
		Config:     cfg,
	}
}

// Event is a state transition input.
type Event interface {
	event()
}

// CameraChanged reports a capture session transition.
type CameraChanged struct {
	State camera.State
	Err   error
}

// AssetChanged reports a background or garment load transition.
type AssetChanged struct {
	Role    Role
	ID      string
	URI     string
	State   background.LoadState
	Tainted bool
	Err     error
}

// ConfigApplied reports a new UI selection.
type ConfigApplied struct {
	Config Config
}

// SchedulerChanged reports a render loop transition.
type SchedulerChanged struct {
	State scheduler.State
}

// FrameRendered reports one tick.
type FrameRendered struct {
	Drew         bool
	SkippedSteps int
}

// CaptureFailed reports an export failure.
type CaptureFailed struct {
	Err error
}

func (CameraChanged) event()    {}
func (AssetChanged) event()     {}
func (ConfigApplied) event()    {}
func (SchedulerChanged) event() {}
func (FrameRendered) event()    {}
func (CaptureFailed) event()    {}

// Reduce returns the state after e. It does not modify s.
//
// Asset resolutions race with selection changes: an AssetChanged for a uri
// that is no longer selected is dropped, and a late "loading" report never
// overwrites the resolved state of the same asset.
func Reduce(s State, e Event) State {
	switch e := e.(type) {
	case CameraChanged:
		s.Camera = e.State.String()
		s.CameraError = errString(e.Err)
		if e.Err != nil {
			s.LastError = e.Err.Error()
		}

	case AssetChanged:
		cur := &s.Background
		if e.Role == RoleOverlay {
			cur = &s.Overlay
		}
		if cur.URI == "" || cur.URI != e.URI {
			return s
		}
		next := AssetStatus{
			ID:      e.ID,
			URI:     e.URI,
			State:   loadState(e.State),
			Tainted: e.Tainted,
			Error:   errString(e.Err),
		}
		if next.State == AssetLoading && cur.ID == e.ID && cur.resolved() {
			return s
		}
		if next == *cur {
			return s
		}
		*cur = next
		if e.Err != nil {
			s.LastError = e.Err.Error()
		}

	case ConfigApplied:
		s.Config = e.Config
		s.Background = selectAsset(s.Background, e.Config.BackgroundURI())
		s.Overlay = selectAsset(s.Overlay, e.Config.OverlayURI())

	case SchedulerChanged:
		st := e.State.String()
		if st == s.Scheduler {
			return s
		}
		s.Scheduler = st

	case FrameRendered:
		if e.Drew {
			s.Frames++
		} else {
			s.SkippedTicks++
		}
		s.SkippedSteps += int64(e.SkippedSteps)
		return s

	case CaptureFailed:
		if e.Err == nil {
			return s
		}
		s.LastError = e.Err.Error()

	default:
		return s
	}
	s.Version++
	return s
}

func selectAsset(cur AssetStatus, uri string) AssetStatus {
	switch {
	case uri == "":
		return AssetStatus{State: AssetNone}
	case uri == cur.URI:
		return cur
	default:
		return AssetStatus{URI: uri, State: AssetLoading}
	}
}

func loadState(s background.LoadState) string {
	switch s {
	case background.StateReady:
		return AssetReady
	case background.StateFailed:
		return AssetFailed
	default:
		return AssetLoading
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Store serializes events through Reduce.
type Store struct {
	mu    sync.Mutex
	state State

	// OnChange is called after every transition that bumps Version, outside
	// the store lock.
	OnChange func(s State)
}

// NewStore creates a store holding initial.
func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Dispatch applies e and returns the new state.
func (st *Store) Dispatch(e Event) State {
	st.mu.Lock()
	prev := st.state.Version
	next := Reduce(st.state, e)
	st.state = next
	cb := st.OnChange
	st.mu.Unlock()

	if cb != nil && next.Version != prev {
		cb(next)
	}
	return next
}

// State returns the current state.
func (st *Store) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}
