package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// MockDevice implements Device for testing.
// It records opens and tracks how many streams are live.
type MockDevice struct {
	// OpenFunc, if set, decides the outcome of Open. Returning a nil
	// stream with a nil error makes the mock build its default stream.
	OpenFunc func(ctx context.Context, c Constraints) (Stream, error)

	// Gate, if non-nil, blocks Open until it is closed or ctx is done.
	Gate chan struct{}

	mu     sync.Mutex
	opens  int
	active int
	stops  int
	frame  *image.RGBA
}

// NewMockDevice creates a mock that serves a deterministic gradient frame.
func NewMockDevice() *MockDevice {
	return &MockDevice{}
}

// Open records the call and returns a mock stream.
func (d *MockDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	d.mu.Lock()
	d.opens++
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if d.OpenFunc != nil {
		s, err := d.OpenFunc(ctx, c)
		if err != nil || s != nil {
			return s, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.active++
	return &mockStream{dev: d, size: image.Pt(c.Width, c.Height)}, nil
}

// SetFrame replaces the frame served by every stream.
func (d *MockDevice) SetFrame(img *image.RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame = img
}

// Opens returns how many times Open was called.
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// ActiveTracks returns the number of streams opened and not yet stopped.
func (d *MockDevice) ActiveTracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Stops returns how many streams were stopped.
func (d *MockDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

type mockStream struct {
	dev     *MockDevice
	size    image.Point
	stopped bool
}

func (s *mockStream) Frame() (*image.RGBA, bool) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	if s.dev.frame != nil {
		return s.dev.frame, true
	}
	return Gradient(s.size.X, s.size.Y), true
}

func (s *mockStream) Size() image.Point {
	return s.size
}

func (s *mockStream) Stop() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.dev.active--
	s.dev.stops++
	return nil
}

// Gradient builds a deterministic test frame: red rises left to right,
// green rises top to bottom, blue is constant.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 96,
				A: 255,
			})
		}
	}
	return img
}
