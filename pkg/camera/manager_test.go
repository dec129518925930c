package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_AcquireReady(t *testing.T) {
	dev := NewMockDevice()
	m := NewManager(dev)

	var states []State
	m.OnStateChange = func(s State, _ *Session, _ error) {
		states = append(states, s)
	}

	s, err := m.Acquire(context.Background(), Constraints{Width: 640, Height: 480, Framerate: 30})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.Ready() {
		t.Errorf("state = %v, want ready", m.State())
	}
	if s.ID == "" {
		t.Error("session id should be set")
	}
	if s.Size() != image.Pt(640, 480) {
		t.Errorf("size = %v", s.Size())
	}
	if _, ok := m.Frame(); !ok {
		t.Error("expected a frame once ready")
	}
	if len(states) != 2 || states[0] != StateInitializing || states[1] != StateReady {
		t.Errorf("transitions = %v, want [initializing ready]", states)
	}
}

func TestManager_ConcurrentAcquireSharesStream(t *testing.T) {
	dev := NewMockDevice()
	dev.Gate = make(chan struct{})
	m := NewManager(dev)
	c := DefaultConstraints()

	var wg sync.WaitGroup
	sessions := make([]*Session, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Acquire(context.Background(), c)
		}(i)
	}

	waitFor(t, func() bool { return dev.Opens() == 1 })
	close(dev.Gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if sessions[0] != sessions[1] {
		t.Error("concurrent acquisitions returned different sessions")
	}
	if dev.Opens() != 1 {
		t.Errorf("opens = %d, want 1", dev.Opens())
	}
	if dev.ActiveTracks() != 1 {
		t.Errorf("active tracks = %d, want 1", dev.ActiveTracks())
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	dev := NewMockDevice()
	m := NewManager(dev)

	// Never acquired.
	m.Release()
	if m.State() != StateIdle {
		t.Errorf("release without acquire changed state to %v", m.State())
	}

	if _, err := m.Acquire(context.Background(), DefaultConstraints()); err != nil {
		t.Fatal(err)
	}
	m.Release()
	m.Release()
	m.Release()

	if dev.Stops() != 1 {
		t.Errorf("stops = %d, want exactly 1", dev.Stops())
	}
	if dev.ActiveTracks() != 0 {
		t.Errorf("active tracks = %d, want 0", dev.ActiveTracks())
	}
	if m.State() != StateReleased {
		t.Errorf("state = %v, want released", m.State())
	}
	if _, ok := m.Frame(); ok {
		t.Error("released manager must not serve frames")
	}
}

func TestManager_ReacquireDifferentConstraintsReleasesFirst(t *testing.T) {
	dev := NewMockDevice()
	m := NewManager(dev)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, DefaultConstraints()); err != nil {
		t.Fatal(err)
	}
	same, err := m.Acquire(ctx, DefaultConstraints())
	if err != nil {
		t.Fatal(err)
	}
	if dev.Opens() != 1 {
		t.Errorf("same constraints reopened the device (%d opens)", dev.Opens())
	}

	s, err := m.Acquire(ctx, HD720Constraints())
	if err != nil {
		t.Fatal(err)
	}
	if s == same {
		t.Error("expected a new session for new constraints")
	}
	if dev.ActiveTracks() != 1 || dev.Stops() != 1 {
		t.Errorf("active=%d stops=%d, want 1/1", dev.ActiveTracks(), dev.Stops())
	}
}

func TestManager_Restart(t *testing.T) {
	dev := NewMockDevice()
	m := NewManager(dev)
	ctx := context.Background()

	if _, err := m.Restart(ctx); !errors.Is(err, ErrNoConstraints) {
		t.Fatalf("restart before acquire: got %v", err)
	}

	first, err := m.Acquire(ctx, DefaultConstraints())
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Restart(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("restart should create a new session")
	}
	if second.Constraints != first.Constraints {
		t.Error("restart should reuse the last constraints")
	}
	if acq, rel := m.Stats(); acq != 2 || rel != 1 {
		t.Errorf("stats = %d/%d, want 2/1", acq, rel)
	}
}

func TestManager_AcquireFailures(t *testing.T) {
	tests := []struct {
		name    string
		devErr  error
		wantErr error
	}{
		{"permission", ErrPermissionDenied, ErrPermissionDenied},
		{"unavailable", errors.New("no such device"), ErrDeviceUnavailable},
		{"constraints", ErrConstraintsNotSatisfiable, ErrConstraintsNotSatisfiable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := NewMockDevice()
			dev.OpenFunc = func(context.Context, Constraints) (Stream, error) {
				return nil, tc.devErr
			}
			m := NewManager(dev)

			var lastErr error
			m.OnStateChange = func(_ State, _ *Session, err error) { lastErr = err }

			_, err := m.Acquire(context.Background(), DefaultConstraints())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			var ae *AcquisitionError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AcquisitionError, got %T", err)
			}
			if m.State() != StateError {
				t.Errorf("state = %v, want error", m.State())
			}
			if !errors.Is(lastErr, tc.wantErr) {
				t.Errorf("callback error = %v", lastErr)
			}
		})
	}
}

func TestManager_InvalidConstraints(t *testing.T) {
	dev := NewMockDevice()
	m := NewManager(dev)

	_, err := m.Acquire(context.Background(), Constraints{Width: 10, Height: 10, Framerate: 30})
	if !errors.Is(err, ErrConstraintsNotSatisfiable) {
		t.Fatalf("err = %v", err)
	}
	if dev.Opens() != 0 {
		t.Error("device must not be opened for invalid constraints")
	}
}

func TestManager_ReleaseDuringAcquireStopsStream(t *testing.T) {
	dev := NewMockDevice()
	dev.Gate = make(chan struct{})
	m := NewManager(dev)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), DefaultConstraints())
		done <- err
	}()

	waitFor(t, func() bool { return dev.Opens() == 1 })
	m.Release()
	close(dev.Gate)

	if err := <-done; !errors.Is(err, ErrReleased) {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
	if dev.ActiveTracks() != 0 {
		t.Errorf("leaked %d tracks", dev.ActiveTracks())
	}
	if m.State() != StateReleased {
		t.Errorf("state = %v", m.State())
	}
}
