package camera

import (
	"context"
	"image"
)

// Device opens capture streams. Implementations wrap real hardware (gocv),
// remote producers (WebRTC) or test doubles.
type Device interface {
	// Open starts a stream honoring c. It may block until the first frame
	// geometry is known but must respect ctx cancellation.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture stream (one or more tracks).
type Stream interface {
	// Frame returns the most recent frame without blocking.
	// ok is false until the first frame arrives.
	Frame() (img *image.RGBA, ok bool)

	// Size returns the negotiated frame size.
	Size() image.Point

	// Stop stops all tracks. Safe to call more than once.
	Stop() error
}

// DeviceFunc adapts a function to the Device interface.
type DeviceFunc func(ctx context.Context, c Constraints) (Stream, error)

// Open calls f.
func (f DeviceFunc) Open(ctx context.Context, c Constraints) (Stream, error) {
	return f(ctx, c)
}
