package compositor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-tryon/pkg/background"
	"github.com/teslashibe/go-tryon/pkg/filter"
	"github.com/teslashibe/go-tryon/pkg/overlay"
	"github.com/teslashibe/go-tryon/pkg/pose"
)

type stubCamera struct {
	img *image.RGBA
}

func (c *stubCamera) Frame() (*image.RGBA, bool) {
	return c.img, c.img != nil
}

type stubPoses struct {
	mu       sync.Mutex
	frame    *pose.Frame
	requests int
	accept   bool
}

func (p *stubPoses) Latest() (pose.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return pose.Frame{}, false
	}
	return *p.frame, true
}

func (p *stubPoses) Detect(context.Context, image.Image) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	return p.accept
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 255 / (w - 1)), uint8(y * 255 / (h - 1)), 96, 255})
		}
	}
	return img
}

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// loadAsset resolves an asset through a real loader backed by a mock fetcher.
func loadAsset(t *testing.T, uri string, data []byte, tainted bool) *background.Asset {
	t.Helper()
	ld := background.NewLoader(&background.MockFetcher{
		FetchFunc: func(context.Context, string) (background.Payload, error) {
			return background.Payload{Data: data, Tainted: tainted}, nil
		},
	})
	a := ld.Load(context.Background(), uri)
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("asset did not load")
	}
	return a
}

func TestRenderFrame_NoBackgroundDrawsRawFeed(t *testing.T) {
	feed := gradient(64, 48)
	c := New(&stubCamera{img: feed}, nil)

	rep := c.RenderFrame(Config{})
	if !rep.Drew || len(rep.Skipped) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Blended || rep.Background {
		t.Error("no background: feed must not be blended")
	}

	out, ok := c.Surface().Latest()
	if !ok {
		t.Fatal("nothing published")
	}
	if !bytes.Equal(out.Image.Pix, feed.Pix) {
		t.Error("raw feed was modified")
	}
}

func TestRenderFrame_BackgroundBlendsAt80Percent(t *testing.T) {
	feed := gradient(64, 48)
	bgColor := color.RGBA{20, 200, 40, 255}
	bg := loadAsset(t, "studio.jpg", solidPNG(t, 64, 48, bgColor), false)

	c := New(&stubCamera{img: feed}, nil)
	rep := c.RenderFrame(Config{Background: bg})
	if !rep.Background || !rep.Blended {
		t.Fatalf("report = %+v", rep)
	}

	out, _ := c.Surface().Latest()
	for _, pt := range []image.Point{{0, 0}, {32, 24}, {63, 47}, {10, 40}} {
		f := feed.RGBAAt(pt.X, pt.Y)
		got := out.Image.RGBAAt(pt.X, pt.Y)
		check := func(name string, fv, bv, gv uint8) {
			want := FeedOpacity*float64(fv) + (1-FeedOpacity)*float64(bv)
			if math.Abs(float64(gv)-want) > 2 {
				t.Errorf("%v %s = %d, want %.1f", pt, name, gv, want)
			}
		}
		check("R", f.R, bgColor.R, got.R)
		check("G", f.G, bgColor.G, got.G)
		check("B", f.B, bgColor.B, got.B)
	}
}

func TestRenderFrame_LoadingBackgroundFallsBackToFeed(t *testing.T) {
	feed := gradient(16, 16)
	gate := make(chan struct{})
	defer close(gate)
	ld := background.NewLoader(&background.MockFetcher{Gate: gate})
	a := ld.Load(context.Background(), "slow.png")

	c := New(&stubCamera{img: feed}, nil)
	rep := c.RenderFrame(Config{Background: a})
	if rep.Background || len(rep.Skipped) != 0 {
		t.Errorf("loading background should be ignored silently: %+v", rep)
	}
	out, _ := c.Surface().Latest()
	if !bytes.Equal(out.Image.Pix, feed.Pix) {
		t.Error("expected raw feed while background loads")
	}
}

func TestRenderFrame_FailedBackgroundReported(t *testing.T) {
	bad := loadAsset(t, "bad.png", []byte("garbage"), false)

	var diags []*RenderError
	c := New(&stubCamera{img: gradient(8, 8)}, nil)
	c.OnDiagnostic = func(e *RenderError) { diags = append(diags, e) }

	rep := c.RenderFrame(Config{Background: bad})
	if !rep.Drew {
		t.Fatal("tick must still draw")
	}
	if len(diags) != 1 || diags[0].Step != StepBackground || !errors.Is(diags[0], background.ErrDecode) {
		t.Errorf("diagnostics = %v", diags)
	}
}

func TestRenderFrame_NoCameraFrame(t *testing.T) {
	c := New(&stubCamera{}, nil)
	rep := c.RenderFrame(Config{})
	if rep.Drew {
		t.Error("must not draw without a camera frame")
	}
	if len(rep.Skipped) != 1 || !errors.Is(rep.Skipped[0], ErrNoFrame) {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	if _, ok := c.Surface().Latest(); ok {
		t.Error("nothing should be published")
	}
}

func TestRenderFrame_Filters(t *testing.T) {
	feed := gradient(16, 16)
	chain, err := filter.NewChain(filter.Spec{Category: filter.Color, ID: "invert", Intensity: 1})
	if err != nil {
		t.Fatal(err)
	}

	c := New(&stubCamera{img: feed}, nil)
	rep := c.RenderFrame(Config{Chain: chain})
	if rep.Filters != 1 {
		t.Fatalf("filters = %d", rep.Filters)
	}
	out, _ := c.Surface().Latest()
	if got, want := out.Image.RGBAAt(3, 3).R, 255-feed.RGBAAt(3, 3).R; got != want {
		t.Errorf("R = %d, want %d", got, want)
	}
	if feed.RGBAAt(3, 3) != gradient(16, 16).RGBAAt(3, 3) {
		t.Error("camera frame was mutated")
	}
}

func TestRenderFrame_TaintedBackgroundSkipsFilters(t *testing.T) {
	bg := loadAsset(t, "https://cdn.example/bg.png", solidPNG(t, 8, 8, color.RGBA{1, 2, 3, 255}), true)
	chain, _ := filter.NewChain(filter.Spec{Category: filter.Color, ID: "sepia", Intensity: 1})

	c := New(&stubCamera{img: gradient(8, 8)}, nil)
	rep := c.RenderFrame(Config{Background: bg, Chain: chain})

	if !rep.Tainted || !rep.Background {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Filters != 0 {
		t.Error("filters ran on a tainted surface")
	}
	if len(rep.Skipped) != 1 || !errors.Is(rep.Skipped[0], ErrTainted) {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	out, _ := c.Surface().Latest()
	if !out.Tainted {
		t.Error("published frame should be tainted")
	}
}

func TestRenderFrame_TaintedGarmentTaintsOnlyWhenDrawn(t *testing.T) {
	garment := loadAsset(t, "https://cdn.example/tee.png", solidPNG(t, 10, 10, color.RGBA{255, 0, 0, 255}), true)
	anchor := &overlay.Anchor{Slot: overlay.UpperBody, Transform: overlay.DefaultTransform()}
	chain, _ := filter.NewChain(filter.Spec{Category: filter.Color, ID: "sepia", Intensity: 1})
	cfg := Config{Garment: garment, Anchor: anchor, Chain: chain}

	t.Run("stale pose", func(t *testing.T) {
		c := New(&stubCamera{img: gradient(64, 48)}, &stubPoses{})
		rep := c.RenderFrame(cfg)
		if rep.Overlay || rep.Tainted {
			t.Errorf("overlay = %v tainted = %v", rep.Overlay, rep.Tainted)
		}
		if rep.Filters != 1 {
			t.Errorf("filters = %d, want 1", rep.Filters)
		}
		if out, _ := c.Surface().Latest(); out.Tainted {
			t.Error("published frame tainted by an undrawn garment")
		}
	})

	t.Run("drawn", func(t *testing.T) {
		poses := &stubPoses{frame: &pose.Frame{Keypoints: pose.StandingPose()}}
		c := New(&stubCamera{img: gradient(640, 480)}, poses)
		rep := c.RenderFrame(cfg)
		if !rep.Overlay || !rep.Tainted {
			t.Fatalf("overlay = %v tainted = %v skipped = %v", rep.Overlay, rep.Tainted, rep.Skipped)
		}
		if rep.Filters != 1 {
			t.Errorf("filters = %d, filters run before the garment is drawn", rep.Filters)
		}
		if out, _ := c.Surface().Latest(); !out.Tainted {
			t.Error("published frame should be tainted")
		}
	})
}

func TestRenderFrame_Overlay(t *testing.T) {
	garment := loadAsset(t, "shirt.png", solidPNG(t, 10, 10, color.RGBA{255, 0, 0, 255}), false)
	anchor := &overlay.Anchor{Slot: overlay.UpperBody, Transform: overlay.DefaultTransform()}
	feed := gradient(640, 480)

	t.Run("fresh pose draws", func(t *testing.T) {
		poses := &stubPoses{frame: &pose.Frame{Keypoints: pose.StandingPose()}, accept: true}
		c := New(&stubCamera{img: feed}, poses)
		rep := c.RenderFrame(Config{Garment: garment, Anchor: anchor})
		if !rep.Overlay {
			t.Fatalf("overlay not drawn: %+v", rep.Skipped)
		}
		if !rep.PoseDispatched || poses.requests != 1 {
			t.Error("pose request not dispatched")
		}
		out, _ := c.Surface().Latest()
		if got := out.Image.RGBAAt(320, 200); got != (color.RGBA{255, 0, 0, 255}) {
			t.Errorf("torso pixel = %v, want garment red", got)
		}
	})

	t.Run("stale pose skips overlay", func(t *testing.T) {
		poses := &stubPoses{accept: false}
		c := New(&stubCamera{img: feed}, poses)
		rep := c.RenderFrame(Config{Garment: garment, Anchor: anchor})
		if rep.Overlay {
			t.Error("overlay drawn without a fresh pose")
		}
		if len(rep.Skipped) != 1 || !errors.Is(rep.Skipped[0], ErrStalePose) {
			t.Errorf("skipped = %v", rep.Skipped)
		}
		if rep.PoseDispatched {
			t.Error("dropped request reported as dispatched")
		}
		out, _ := c.Surface().Latest()
		if !bytes.Equal(out.Image.Pix, feed.Pix) {
			t.Error("frame changed without overlay")
		}
	})
}

func TestRenderFrame_StaleAdapterPoseNotUsed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	m := pose.NewMock()
	m.Gate = make(chan struct{})
	defer close(m.Gate)
	adapter := pose.NewAdapter(m, pose.DefaultConfig(), pose.WithClock(clock))
	done := make(chan struct{}, 1)
	adapter.OnResult = func(pose.Frame, error) { done <- struct{}{} }

	garment := loadAsset(t, "shirt.png", solidPNG(t, 4, 4, color.RGBA{255, 0, 0, 255}), false)
	anchor := &overlay.Anchor{Slot: overlay.UpperBody, Transform: overlay.DefaultTransform()}
	c := New(&stubCamera{img: gradient(64, 48)}, adapter)

	rep := c.RenderFrame(Config{Garment: garment, Anchor: anchor})
	if !rep.PoseDispatched {
		t.Fatal("first tick should dispatch a detection")
	}

	// Detection takes longer than the staleness window.
	mu.Lock()
	now = now.Add(700 * time.Millisecond)
	mu.Unlock()
	m.Gate <- struct{}{}
	<-done

	rep = c.RenderFrame(Config{Garment: garment, Anchor: anchor})
	if rep.Overlay {
		t.Error("overlay drawn from a stale pose")
	}
}

func TestRenderFrame_OutputSizeCoverFit(t *testing.T) {
	c := New(&stubCamera{img: gradient(64, 48)}, nil)
	rep := c.RenderFrame(Config{Width: 32, Height: 32})
	if !rep.Drew {
		t.Fatal("not drawn")
	}
	out, _ := c.Surface().Latest()
	if out.Image.Rect.Size() != image.Pt(32, 32) {
		t.Errorf("size = %v", out.Image.Rect.Size())
	}

	rep = c.RenderFrame(Config{Width: -1, Height: 10})
	if rep.Drew || !errors.Is(rep.Skipped[0], ErrInvalidSize) {
		t.Errorf("invalid size report = %+v", rep)
	}
}

func TestCoverRect(t *testing.T) {
	tests := []struct {
		name     string
		src, dst image.Point
		want     image.Rectangle
	}{
		{"same aspect", image.Pt(640, 480), image.Pt(320, 240), image.Rect(0, 0, 640, 480)},
		{"wider source", image.Pt(1600, 900), image.Pt(640, 480), image.Rect(200, 0, 1400, 900)},
		{"taller source", image.Pt(480, 960), image.Pt(640, 480), image.Rect(0, 300, 480, 660)},
		{"empty", image.Pt(0, 0), image.Pt(640, 480), image.Rectangle{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CoverRect(tc.src, tc.dst); got != tc.want {
				t.Errorf("CoverRect = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRenderFrame_PanickingFilterIsAbsorbed(t *testing.T) {
	filter.Register(filter.Artistic, "test-panic", "Panic", func(*image.RGBA, float64) *image.RGBA {
		panic("boom")
	})
	chain, err := filter.NewChain(filter.Spec{Category: filter.Artistic, ID: "test-panic", Intensity: 1})
	if err != nil {
		t.Fatal(err)
	}

	c := New(&stubCamera{img: gradient(8, 8)}, nil)
	rep := c.RenderFrame(Config{Chain: chain})
	if !rep.Drew {
		t.Fatal("a panicking filter must not fail the tick")
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0].Step != StepFilters {
		t.Errorf("skipped = %v", rep.Skipped)
	}
}
