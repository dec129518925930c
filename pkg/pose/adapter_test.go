package pose

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

// results collects OnResult callbacks.
func results(a *Adapter) chan error {
	ch := make(chan error, 8)
	a.OnResult = func(_ Frame, err error) { ch <- err }
	return ch
}

func await(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("detection did not complete")
		return nil
	}
}

func TestAdapter_DropsWhileInFlight(t *testing.T) {
	m := NewMock()
	m.Gate = make(chan struct{})
	a := NewAdapter(m, DefaultConfig())
	done := results(a)

	if !a.Detect(context.Background(), frame()) {
		t.Fatal("first request should be accepted")
	}
	if a.Detect(context.Background(), frame()) {
		t.Error("second request while in flight should be dropped")
	}
	if a.Detect(context.Background(), frame()) {
		t.Error("third request while in flight should be dropped")
	}

	// The mock has been entered at most once.
	deadline := time.Now().Add(time.Second)
	for m.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.Calls() != 1 {
		t.Errorf("detector calls = %d, want 1", m.Calls())
	}

	m.Gate <- struct{}{}
	if err := await(t, done); err != nil {
		t.Fatalf("detection failed: %v", err)
	}

	st := a.Stats()
	if st.Requested != 1 || st.Dropped != 2 || st.Completed != 1 {
		t.Errorf("stats = %+v", st)
	}

	if !a.Detect(context.Background(), frame()) {
		t.Error("request after completion should be accepted")
	}
	m.Gate <- struct{}{}
	await(t, done)
	if m.Calls() != 2 {
		t.Errorf("detector calls = %d, want 2", m.Calls())
	}
}

func TestAdapter_StaleFrameNotUsed(t *testing.T) {
	clock := newFakeClock()
	m := NewMock()
	m.Gate = make(chan struct{})
	a := NewAdapter(m, DefaultConfig(), WithClock(clock.Now))
	done := results(a)

	a.Detect(context.Background(), frame())
	// Inference takes longer than the staleness window.
	clock.Advance(600 * time.Millisecond)
	m.Gate <- struct{}{}
	if err := await(t, done); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.Latest(); ok {
		t.Error("a pose older than the staleness window must not be returned")
	}
}

func TestAdapter_FreshFrameExpires(t *testing.T) {
	clock := newFakeClock()
	a := NewAdapter(NewMock(), DefaultConfig(), WithClock(clock.Now))
	done := results(a)

	a.Detect(context.Background(), frame())
	if err := await(t, done); err != nil {
		t.Fatal(err)
	}

	f, ok := a.Latest()
	if !ok {
		t.Fatal("expected a fresh pose")
	}
	if len(f.Keypoints) != NumParts || f.Confidence < 0.8 {
		t.Errorf("unexpected frame: %d keypoints conf %.2f", len(f.Keypoints), f.Confidence)
	}

	clock.Advance(500 * time.Millisecond)
	if _, ok := a.Latest(); !ok {
		t.Error("pose at exactly the window should still be fresh")
	}
	clock.Advance(time.Millisecond)
	if _, ok := a.Latest(); ok {
		t.Error("pose past the window should be stale")
	}
}

func TestAdapter_Failures(t *testing.T) {
	tests := []struct {
		name string
		kps  []Keypoint
		err  error
		want error
	}{
		{"model error", nil, errors.New("tensor shape mismatch"), ErrModelError},
		{"no pose", nil, ErrNoPoseFound, ErrNoPoseFound},
		{"empty result", []Keypoint{}, nil, ErrNoPoseFound},
		{"low confidence", []Keypoint{{Part: Nose, Score: 0.05}}, nil, ErrNoPoseFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &Mock{DetectFunc: func(context.Context, image.Image) ([]Keypoint, error) {
				return tc.kps, tc.err
			}}
			a := NewAdapter(m, DefaultConfig())
			done := results(a)

			a.Detect(context.Background(), frame())
			err := await(t, done)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var de *DetectionError
			if !errors.As(err, &de) {
				t.Errorf("expected *DetectionError, got %T", err)
			}
			if _, ok := a.Latest(); ok {
				t.Error("failed detection must not publish a pose")
			}
			if a.Stats().Failed != 1 {
				t.Errorf("failed = %d", a.Stats().Failed)
			}
		})
	}
}

func TestAdapter_NoCallbackAfterClose(t *testing.T) {
	m := NewMock()
	m.Gate = make(chan struct{})
	a := NewAdapter(m, DefaultConfig())
	called := false
	a.OnResult = func(Frame, error) { called = true }

	a.Detect(context.Background(), frame())

	closed := make(chan error)
	go func() { closed <- a.Close() }()

	// A closed adapter rejects requests without counting them as dropped.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		before := a.Stats().Dropped
		a.Detect(context.Background(), frame())
		if a.Stats().Dropped == before {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(m.Gate)
	if err := <-closed; err != nil {
		t.Fatal(err)
	}

	if called {
		t.Error("OnResult fired after Close")
	}
	if !m.Closed() {
		t.Error("detector not closed")
	}
	if a.Detect(context.Background(), frame()) {
		t.Error("closed adapter accepted a request")
	}
	if a.Stats().Requested != 1 {
		t.Errorf("requested = %d, want 1", a.Stats().Requested)
	}
}

// closeTracker fails the test if Detect runs after Close.
type closeTracker struct {
	closed atomic.Bool
	late   atomic.Int64
}

func (d *closeTracker) Detect(context.Context, image.Image) ([]Keypoint, error) {
	time.Sleep(100 * time.Microsecond)
	if d.closed.Load() {
		d.late.Add(1)
	}
	return StandingPose(), nil
}

func (d *closeTracker) Close() error {
	d.closed.Store(true)
	return nil
}

func TestAdapter_DetectRacingClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		d := &closeTracker{}
		a := NewAdapter(d, DefaultConfig())

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					a.Detect(context.Background(), frame())
				}
			}()
		}
		if err := a.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		if n := d.late.Load(); n != 0 {
			t.Fatalf("round %d: %d detections ran after Close", round, n)
		}
		if a.InFlight() {
			t.Fatalf("round %d: detection still in flight after Close", round)
		}
	}
}

func TestFrame_Get(t *testing.T) {
	f := Frame{Keypoints: StandingPose()}
	k, ok := f.Get(LeftHip)
	if !ok || k.Part != LeftHip {
		t.Fatalf("Get(LeftHip) = %+v, %v", k, ok)
	}
	if _, ok := (Frame{}).Get(Nose); ok {
		t.Error("empty frame should have no keypoints")
	}
	if LeftAnkle.String() != "left_ankle" || Part(99).String() != "part(99)" {
		t.Error("part names wrong")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{StaleAfter: 0}).Validate(); err == nil {
		t.Error("zero window should be invalid")
	}
	if err := (Config{StaleAfter: time.Second, MinScore: 2}).Validate(); err == nil {
		t.Error("min score > 1 should be invalid")
	}
}
