package compositor

import (
	"image"
	"sync"
	"time"
)

// OutputFrame is one rendered tick.
type OutputFrame struct {
	Image   *image.RGBA
	Tainted bool // A cross-origin asset without read access was drawn
	Tick    time.Time
	Seq     uint64
}

// Surface holds the most recent OutputFrame. Readers outside the render
// loop (export, preview) see whole frames only.
type Surface struct {
	mu     sync.RWMutex
	latest *OutputFrame
}

// NewSurface creates an empty surface.
func NewSurface() *Surface {
	return &Surface{}
}

// Publish replaces the current frame. The frame must not be modified after.
func (s *Surface) Publish(f *OutputFrame) {
	s.mu.Lock()
	s.latest = f
	s.mu.Unlock()
}

// Latest returns the current frame, or false if nothing was rendered.
func (s *Surface) Latest() (*OutputFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

// Snapshot returns the current image and taint flag.
func (s *Surface) Snapshot() (img *image.RGBA, tainted bool, ok bool) {
	f, ok := s.Latest()
	if !ok {
		return nil, false, false
	}
	return f.Image, f.Tainted, true
}
