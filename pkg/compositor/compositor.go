// Package compositor draws one output frame per tick: background, camera
// feed, filter chain and garment overlay, in that order.
//
// Without a background the camera frame is drawn full-bleed. With one, the
// background is cover-fitted and the feed is blended over it at
// FeedOpacity. This translucency blend stands in for person segmentation.
//
// A tick never fails as a whole: a step that cannot run is skipped and
// reported through Report.Skipped and OnDiagnostic.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/filter"
	"github.com/teslashibe/go-tryon/pkg/overlay"
	"github.com/teslashibe/go-tryon/pkg/pose"
)

// FeedOpacity is the opacity of the camera feed over a background.
const FeedOpacity = 0.8

// Step names a stage of the draw routine.
type Step string

const (
	StepFeed       Step = "feed"
	StepBackground Step = "background"
	StepBlend      Step = "blend"
	StepFilters    Step = "filters"
	StepOverlay    Step = "overlay"
	StepPose       Step = "pose"
)

// Sentinel errors reported by skipped steps.
var (
	ErrNoFrame     = errors.New("compositor: no camera frame available")
	ErrTainted     = errors.New("compositor: surface tainted, pixel filters skipped")
	ErrStalePose   = errors.New("compositor: no fresh pose")
	ErrNoPlacement = errors.New("compositor: pose does not cover overlay slot")
	ErrInvalidSize = errors.New("compositor: invalid output size")
)

// RenderError is a per-step failure absorbed by the tick.
type RenderError struct {
	Step Step
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Step, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Camera supplies the latest raw frame without blocking.
type Camera interface {
	Frame() (*image.RGBA, bool)
}

// Poses supplies fresh poses and accepts droppable detection requests.
type Poses interface {
	Latest() (pose.Frame, bool)
	Detect(ctx context.Context, img image.Image) bool
}

// Config is the per-tick input.
type Config struct {
	// Output size. Zero uses the camera frame size.
	Width  int
	Height int

	Chain      *filter.Chain
	Background *background.Asset // nil means no background
	Garment    *background.Asset // overlay image; nil means no overlay
	Anchor     *overlay.Anchor
}

// Report describes what a tick did.
type Report struct {
	Tick           time.Time
	Seq            uint64
	Drew           bool
	Background     bool
	Blended        bool
	Filters        int
	Overlay        bool
	PoseDispatched bool
	Tainted        bool
	Skipped        []*RenderError
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compositor) {
		c.logger = l
	}
}

// WithClock overrides time.Now for tick timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Compositor) {
		c.now = now
	}
}

// WithSurface publishes frames to s instead of a private surface.
func WithSurface(s *Surface) Option {
	return func(c *Compositor) {
		c.surface = s
	}
}

// WithContext sets the context passed to pose detection.
func WithContext(ctx context.Context) Option {
	return func(c *Compositor) {
		c.ctx = ctx
	}
}

// Compositor renders frames. RenderFrame is not safe for concurrent use;
// the scheduler guarantees a single tick at a time.
type Compositor struct {
	camera  Camera
	poses   Poses
	surface *Surface
	logger  *slog.Logger
	now     func() time.Time
	ctx     context.Context

	seq     uint64
	bgCache scaled

	renders atomic.Int64
	skips   atomic.Int64

	// Callback for every skipped step, invoked synchronously in the tick.
	OnDiagnostic func(err *RenderError)
}

type scaled struct {
	asset *background.Asset
	size  image.Point
	img   *image.RGBA
}

// New creates a compositor. poses may be nil to disable overlays.
func New(camera Camera, poses Poses, opts ...Option) *Compositor {
	c := &Compositor{
		camera: camera,
		poses:  poses,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.surface == nil {
		c.surface = NewSurface()
	}
	c.logger = c.logger.With("component", "compositor")
	return c
}

// Surface returns the surface frames are published to.
func (c *Compositor) Surface() *Surface {
	return c.surface
}

// Stats returns how many frames were rendered and steps skipped.
func (c *Compositor) Stats() (renders, skipped int64) {
	return c.renders.Load(), c.skips.Load()
}

// RenderFrame draws one frame for cfg and publishes it.
func (c *Compositor) RenderFrame(cfg Config) (rep Report) {
	rep.Tick = c.now()

	frame, ok := c.camera.Frame()
	if !ok || frame == nil || frame.Rect.Empty() {
		c.skip(&rep, StepFeed, ErrNoFrame)
		return rep
	}

	size := image.Pt(cfg.Width, cfg.Height)
	if size.X == 0 && size.Y == 0 {
		size = frame.Rect.Size()
	}
	if size.X <= 0 || size.Y <= 0 {
		c.skip(&rep, StepFeed, fmt.Errorf("%w: %v", ErrInvalidSize, size))
		return rep
	}
	out := image.NewRGBA(image.Rectangle{Max: size})

	// 1. Background.
	var bg *image.RGBA
	if a := cfg.Background; a != nil {
		c.step(&rep, StepBackground, func() error {
			img := a.Image()
			if img == nil {
				if a.State() == background.StateFailed {
					return a.Err()
				}
				return nil // still loading
			}
			bg = c.coverBackground(a, img, size)
			draw.Draw(out, out.Rect, bg, image.Point{}, draw.Src)
			rep.Background = true
			if a.Tainted() {
				rep.Tainted = true
			}
			return nil
		})
	}

	if bg == nil {
		// 2. Raw feed, full-bleed.
		c.step(&rep, StepFeed, func() error {
			drawCover(out, frame, draw.Src)
			return nil
		})
	} else {
		// 3. Feed blended over the background.
		c.step(&rep, StepBlend, func() error {
			blend(out, frame, FeedOpacity)
			rep.Blended = true
			return nil
		})
	}

	// 4. Filter chain.
	if cfg.Chain.Len() > 0 {
		if rep.Tainted {
			c.skip(&rep, StepFilters, ErrTainted)
		} else {
			c.step(&rep, StepFilters, func() error {
				out = cfg.Chain.Apply(out)
				rep.Filters = cfg.Chain.Len()
				return nil
			})
		}
	}

	// 5. Overlay. A tainted garment taints the surface only once drawn.
	if garment := c.garment(cfg); garment != nil {
		c.step(&rep, StepOverlay, func() error {
			if c.poses == nil {
				return ErrStalePose
			}
			f, ok := c.poses.Latest()
			if !ok {
				return ErrStalePose
			}
			r, ok := overlay.Place(f, cfg.Anchor.Slot, size.X, size.Y)
			if !ok {
				return ErrNoPlacement
			}
			if err := overlay.Draw(out, garment, r, cfg.Anchor.Transform); err != nil {
				return err
			}
			rep.Overlay = true
			if cfg.Garment.Tainted() {
				rep.Tainted = true
			}
			return nil
		})
	}

	// 6. Pose request for the raw frame. Dropped while one is in flight.
	if c.poses != nil {
		c.step(&rep, StepPose, func() error {
			rep.PoseDispatched = c.poses.Detect(c.ctx, frame)
			return nil
		})
	}

	c.seq++
	rep.Seq = c.seq
	rep.Drew = true
	c.renders.Add(1)
	c.surface.Publish(&OutputFrame{
		Image:   out,
		Tainted: rep.Tainted,
		Tick:    rep.Tick,
		Seq:     rep.Seq,
	})
	return rep
}

// garment returns the overlay image when one is configured and decoded.
func (c *Compositor) garment(cfg Config) *image.RGBA {
	if cfg.Garment == nil || cfg.Anchor == nil {
		return nil
	}
	return cfg.Garment.Image()
}

// step runs fn, converting errors and panics into a skipped step.
func (c *Compositor) step(rep *Report, s Step, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		c.skip(rep, s, err)
	}
}

func (c *Compositor) skip(rep *Report, s Step, err error) {
	re := &RenderError{Step: s, Err: err}
	rep.Skipped = append(rep.Skipped, re)
	c.skips.Add(1)
	if !errors.Is(err, ErrStalePose) && !errors.Is(err, ErrNoFrame) {
		c.logger.Debug("step skipped", "step", s, "error", err)
	}
	if cb := c.OnDiagnostic; cb != nil {
		cb(re)
	}
}

// coverBackground returns img cover-fitted to size, cached per asset.
func (c *Compositor) coverBackground(a *background.Asset, img *image.RGBA, size image.Point) *image.RGBA {
	if c.bgCache.asset == a && c.bgCache.size == size {
		return c.bgCache.img
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	coverScale(draw.CatmullRom, dst, img, draw.Src)
	c.bgCache = scaled{asset: a, size: size, img: dst}
	return dst
}

// CoverRect returns the centered region of a src-sized image that, scaled
// up uniformly, exactly covers dst without distortion.
func CoverRect(src, dst image.Point) image.Rectangle {
	if src.X <= 0 || src.Y <= 0 || dst.X <= 0 || dst.Y <= 0 {
		return image.Rectangle{}
	}
	// Compare aspect ratios without floating point.
	if src.X*dst.Y > dst.X*src.Y {
		// Source is wider: crop left and right.
		w := dst.X * src.Y / dst.Y
		x0 := (src.X - w) / 2
		return image.Rect(x0, 0, x0+w, src.Y)
	}
	h := dst.Y * src.X / dst.X
	y0 := (src.Y - h) / 2
	return image.Rect(0, y0, src.X, y0+h)
}

func coverScale(s draw.Scaler, dst, src *image.RGBA, op draw.Op) {
	sr := CoverRect(src.Rect.Size(), dst.Rect.Size()).Add(src.Rect.Min)
	s.Scale(dst, dst.Rect, src, sr, op, nil)
}

// drawCover draws src over the whole of dst: a plain copy when the sizes
// match, otherwise a cover-fit scale.
func drawCover(dst, src *image.RGBA, op draw.Op) {
	if dst.Rect.Size() == src.Rect.Size() {
		draw.Draw(dst, dst.Rect, src, src.Rect.Min, op)
		return
	}
	coverScale(draw.ApproxBiLinear, dst, src, op)
}

// blend composites src over dst at a uniform opacity.
func blend(dst, src *image.RGBA, opacity float64) {
	feed := src
	if dst.Rect.Size() != src.Rect.Size() {
		feed = image.NewRGBA(dst.Rect)
		coverScale(draw.ApproxBiLinear, feed, src, draw.Src)
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(dst, dst.Rect, feed, feed.Rect.Min, mask, image.Point{}, draw.Over)
}
