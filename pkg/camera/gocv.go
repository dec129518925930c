package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// maxReadMisses is how many consecutive empty reads mark the stream as lost.
const maxReadMisses = 90

// GocvDevice opens local capture devices through OpenCV.
type GocvDevice struct {
	// NodePath maps a device index to its OS node, used to detect permission
	// problems before OpenCV swallows them. Defaults to /dev/videoN.
	NodePath func(id int) string

	Logger *slog.Logger
}

// NewGocvDevice creates a device backed by gocv.VideoCapture.
func NewGocvDevice(logger *slog.Logger) *GocvDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &GocvDevice{
		NodePath: func(id int) string { return fmt.Sprintf("/dev/video%d", id) },
		Logger:   logger,
	}
}

// Open opens the device and starts a reader goroutine that keeps the latest frame.
func (d *GocvDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.NodePath != nil {
		if err := checkNode(d.NodePath(c.DeviceID)); err != nil {
			return nil, err
		}
	}

	vc, err := gocv.OpenVideoCapture(c.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, ErrDeviceUnavailable
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(c.Framerate))

	size := image.Pt(int(vc.Get(gocv.VideoCaptureFrameWidth)), int(vc.Get(gocv.VideoCaptureFrameHeight)))
	if c.Exact && (size.X != c.Width || size.Y != c.Height) {
		vc.Close()
		return nil, fmt.Errorf("%w: device delivers %dx%d", ErrConstraintsNotSatisfiable, size.X, size.Y)
	}

	s := &gocvStream{
		vc:     vc,
		size:   size,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: d.Logger.With("device", c.DeviceID),
	}
	go s.readLoop()
	return s, nil
}

// checkNode surfaces EACCES on the device node as ErrPermissionDenied.
// Platforms without device nodes are skipped.
func checkNode(path string) error {
	f, err := os.Open(path)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return nil
	}
}

type gocvStream struct {
	vc     *gocv.VideoCapture
	size   image.Point
	logger *slog.Logger

	mu     sync.RWMutex
	latest *image.RGBA

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *gocvStream) readLoop() {
	defer close(s.done)

	mat := gocv.NewMat()
	defer mat.Close()

	misses := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.vc.Read(&mat); !ok || mat.Empty() {
			misses++
			if misses == maxReadMisses {
				s.logger.Warn("camera stopped delivering frames", "misses", misses)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		misses = 0

		img, err := mat.ToImage()
		if err != nil {
			s.logger.Debug("frame conversion failed", "error", err)
			continue
		}
		rgba := toRGBA(img)

		s.mu.Lock()
		s.latest = rgba
		s.mu.Unlock()
	}
}

func (s *gocvStream) Frame() (*image.RGBA, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

func (s *gocvStream) Size() image.Point {
	return s.size
}

func (s *gocvStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.vc.Close()
	})
	return nil
}

// toRGBA returns img as *image.RGBA with a zero origin, copying when needed.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
