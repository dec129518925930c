package pose

import (
	"context"
	"image"
	"sync"
)

// Mock implements Detector for testing.
type Mock struct {
	DetectFunc func(ctx context.Context, img image.Image) ([]Keypoint, error)

	// Gate, if non-nil, blocks every Detect until a value is received or it
	// is closed. Each send releases one call.
	Gate chan struct{}

	mu     sync.Mutex
	calls  int
	closed bool
}

// NewMock returns a mock that reports StandingPose.
func NewMock() *Mock {
	return &Mock{}
}

// Detect records the call and delegates to DetectFunc.
func (m *Mock) Detect(ctx context.Context, img image.Image) ([]Keypoint, error) {
	m.mu.Lock()
	m.calls++
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, img)
	}
	return StandingPose(), nil
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many times Detect was invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// StandingPose is a front-facing upright person centered in the frame.
func StandingPose() []Keypoint {
	pts := [NumParts][2]float64{
		Nose:          {0.50, 0.15},
		LeftEye:       {0.52, 0.13},
		RightEye:      {0.48, 0.13},
		LeftEar:       {0.55, 0.14},
		RightEar:      {0.45, 0.14},
		LeftShoulder:  {0.62, 0.28},
		RightShoulder: {0.38, 0.28},
		LeftElbow:     {0.66, 0.42},
		RightElbow:    {0.34, 0.42},
		LeftWrist:     {0.67, 0.55},
		RightWrist:    {0.33, 0.55},
		LeftHip:       {0.58, 0.58},
		RightHip:      {0.42, 0.58},
		LeftKnee:      {0.58, 0.76},
		RightKnee:     {0.42, 0.76},
		LeftAnkle:     {0.58, 0.93},
		RightAnkle:    {0.42, 0.93},
	}
	kps := make([]Keypoint, NumParts)
	for i, p := range pts {
		kps[i] = Keypoint{Part: Part(i), X: p[0], Y: p[1], Score: 0.9}
	}
	return kps
}
