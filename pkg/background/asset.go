// Package background loads, decodes and caches background images for the
// compositor. Loads are asynchronous: Load returns immediately with an Asset
// that resolves to Ready or Failed on a loader goroutine.
package background

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// LoadState is the lifecycle state of an Asset.
type LoadState int

const (
	StateLoading LoadState = iota
	StateReady
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure kinds carried by DecodeError.
var (
	// ErrNetwork is returned when the asset bytes could not be fetched.
	ErrNetwork = errors.New("background: network error")

	// ErrDecode is returned when the bytes are not a supported image.
	ErrDecode = errors.New("background: decode error")

	// ErrCORSBlocked marks a cross-origin asset whose pixels may not be read back.
	ErrCORSBlocked = errors.New("background: cross-origin read blocked")
)

// DecodeError describes why an asset failed to load.
type DecodeError struct {
	URI  string
	Kind error // ErrNetwork, ErrDecode or ErrCORSBlocked
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.URI, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.URI)
}

// Unwrap exposes the kind and the cause to errors.Is.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Asset is a background image resource. ID and URI are immutable; the
// remaining fields change once, when the load resolves.
type Asset struct {
	ID  string
	URI string

	mu      sync.RWMutex
	state   LoadState
	img     *image.RGBA
	err     error
	tainted bool
	done    chan struct{}
}

func newAsset(id, uri string) *Asset {
	return &Asset{
		ID:    id,
		URI:   uri,
		state: StateLoading,
		done:  make(chan struct{}),
	}
}

// State returns the load state.
func (a *Asset) State() LoadState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Image returns the decoded image, or nil while loading or after a
// failure that produced no pixels. CORS-blocked assets keep their image.
func (a *Asset) Image() *image.RGBA {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.img
}

// Err returns the *DecodeError of a failed asset.
func (a *Asset) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Tainted reports whether drawing this asset makes the surface unreadable.
func (a *Asset) Tainted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tainted
}

// Done is closed once the asset leaves StateLoading.
func (a *Asset) Done() <-chan struct{} {
	return a.done
}

func (a *Asset) resolve(img *image.RGBA, tainted bool, err error) {
	a.mu.Lock()
	a.img = img
	a.tainted = tainted
	a.err = err
	if err != nil {
		a.state = StateFailed
	} else {
		a.state = StateReady
	}
	a.mu.Unlock()
	close(a.done)
}
