package movenet

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/teslashibe/go-tryon/pkg/pose"
)

func TestPrepareLetterbox(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		padX, padY float64
	}{
		{"landscape", 640, 480, 0, 24},
		{"portrait", 480, 640, 24, 0},
		{"square", 300, 300, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img := image.NewRGBA(image.Rect(0, 0, tc.w, tc.h))
			canvas, lb := prepare(img, 192)
			if canvas.Rect.Dx() != 192 || canvas.Rect.Dy() != 192 {
				t.Fatalf("canvas = %v", canvas.Rect)
			}
			if lb.padX != tc.padX || lb.padY != tc.padY {
				t.Errorf("pad = (%v,%v), want (%v,%v)", lb.padX, lb.padY, tc.padX, tc.padY)
			}
		})
	}
}

func TestTensorLayout(t *testing.T) {
	canvas := image.NewRGBA(image.Rect(0, 0, 2, 2))
	canvas.SetRGBA(1, 0, color.RGBA{10, 20, 30, 255})
	data := tensor(canvas)
	if len(data) != 2*2*3 {
		t.Fatalf("len = %d", len(data))
	}
	// NHWC: pixel (1,0) starts at index 3.
	if data[3] != 10 || data[4] != 20 || data[5] != 30 {
		t.Errorf("pixel (1,0) = %v", data[3:6])
	}
}

func TestDecodeMapsBackToFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	_, lb := prepare(img, 192)

	// Every keypoint at the frame center, which lands at (0.5, 0.5) of the
	// input because the vertical padding is symmetric.
	out := make([]float32, pose.NumParts*3)
	for i := 0; i < pose.NumParts; i++ {
		out[i*3] = 0.5
		out[i*3+1] = 0.5
		out[i*3+2] = 0.8
	}
	// Left shoulder at the top edge of the picture area.
	out[int(pose.LeftShoulder)*3] = float32(24.0 / 192.0)

	kps, err := decode(out, lb)
	if err != nil {
		t.Fatal(err)
	}
	if len(kps) != pose.NumParts {
		t.Fatalf("got %d keypoints", len(kps))
	}
	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-3 }
	if !near(kps[pose.Nose].X, 0.5) || !near(kps[pose.Nose].Y, 0.5) {
		t.Errorf("nose = (%v,%v), want (0.5,0.5)", kps[pose.Nose].X, kps[pose.Nose].Y)
	}
	if !near(kps[pose.LeftShoulder].Y, 0) {
		t.Errorf("left shoulder y = %v, want 0", kps[pose.LeftShoulder].Y)
	}
	if kps[pose.RightAnkle].Part != pose.RightAnkle || !near(kps[pose.RightAnkle].Score, 0.8) {
		t.Errorf("right ankle = %+v", kps[pose.RightAnkle])
	}
}

func TestDecodeShortOutput(t *testing.T) {
	if _, err := decode(make([]float32, 10), letterbox{size: 192, scale: 1, frameW: 1, frameH: 1}); err == nil {
		t.Error("expected error for truncated output")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = "does/not/exist.onnx"
	if err := cfg.Validate(); err == nil {
		t.Error("missing model should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Backend = "tflite"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend should fail validation")
	}

	cfg = DefaultConfig()
	cfg.InputSize = 100
	if err := cfg.Validate(); err == nil {
		t.Error("input size not a multiple of 32 should fail validation")
	}
}
