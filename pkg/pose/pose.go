// Package pose runs body keypoint detection off the render loop.
//
// An Adapter wraps a Detector with a concurrency cap of one: while a
// detection is in flight, further requests are dropped rather than queued.
// Results are published as Frames that expire after a staleness window.
package pose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Part identifies a COCO body keypoint.
type Part int

// COCO keypoint order as emitted by MoveNet.
const (
	Nose Part = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle

	NumParts = 17
)

var partNames = [NumParts]string{
	"nose", "left_eye", "right_eye", "left_ear", "right_ear",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

func (p Part) String() string {
	if p < 0 || int(p) >= NumParts {
		return fmt.Sprintf("part(%d)", int(p))
	}
	return partNames[p]
}

// Keypoint is one detected body point. X and Y are normalized to [0, 1]
// relative to the analysed frame.
type Keypoint struct {
	Part  Part    `json:"part"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Frame is a timestamped pose. Timestamp is when the analysed camera frame
// was captured, not when detection finished.
type Frame struct {
	Timestamp  time.Time  `json:"timestamp"`
	Keypoints  []Keypoint `json:"keypoints"`
	Confidence float64    `json:"confidence"`
}

// Get returns the keypoint for p.
func (f Frame) Get(p Part) (Keypoint, bool) {
	for _, k := range f.Keypoints {
		if k.Part == p {
			return k, true
		}
	}
	return Keypoint{}, false
}

// Fresh reports whether the frame is younger than window at now.
func (f Frame) Fresh(now time.Time, window time.Duration) bool {
	if f.Timestamp.IsZero() {
		return false
	}
	return now.Sub(f.Timestamp) <= window
}

// MeanScore is the average keypoint score, 0 when empty.
func MeanScore(kps []Keypoint) float64 {
	if len(kps) == 0 {
		return 0
	}
	sum := 0.0
	for _, k := range kps {
		sum += k.Score
	}
	return sum / float64(len(kps))
}

// Detector is a keypoint detection backend.
type Detector interface {
	// Detect returns keypoints for img. It fails with ErrNoPoseFound when
	// no body is visible.
	Detect(ctx context.Context, img image.Image) ([]Keypoint, error)

	// Close releases model resources.
	Close() error
}

// Sentinel errors for detection failures.
var (
	ErrNoPoseFound = errors.New("pose: no pose found")
	ErrModelError  = errors.New("pose: model error")
	ErrClosed      = errors.New("pose: adapter closed")
)

// DetectionError wraps a failed detection.
type DetectionError struct {
	Kind error // ErrNoPoseFound or ErrModelError
	Err  error
}

func (e *DetectionError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

// Unwrap exposes the kind and the cause to errors.Is.
func (e *DetectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrapDetection(err error) *DetectionError {
	var de *DetectionError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, ErrNoPoseFound) {
		return &DetectionError{Kind: ErrNoPoseFound, Err: err}
	}
	return &DetectionError{Kind: ErrModelError, Err: err}
}
