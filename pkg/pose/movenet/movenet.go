// Package movenet provides MoveNet single-pose detectors.
//
// MoveNet takes a square NHWC RGB tensor (192x192 for Lightning, 256x256
// for Thunder) and emits [1, 1, 17, 3] with (y, x, score) per COCO
// keypoint, normalized to the input tensor.
package movenet

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"

	"golang.org/x/image/draw"

	"github.com/teslashibe/go-tryon/pkg/pose"
)

// Backend names.
const (
	BackendGocv = "gocv"
	BackendONNX = "onnx"
)

// Config holds detector configuration.
type Config struct {
	Backend    string // "gocv" or "onnx"
	ModelPath  string // Path to the ONNX model
	InputSize  int    // Square input edge (192 Lightning, 256 Thunder)
	InputName  string // ONNX Runtime input tensor name
	OutputName string // ONNX Runtime output tensor name

	// ORTLibrary is the onnxruntime shared library. Empty uses
	// ONNXRUNTIME_SHARED_LIBRARY_PATH or the platform default.
	ORTLibrary string
}

// DefaultConfig returns production defaults for MoveNet Lightning.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendGocv,
		ModelPath:  "models/movenet_singlepose_lightning.onnx",
		InputSize:  192,
		InputName:  "input",
		OutputName: "output_0",
	}
}

// Validate checks the configuration and that the model exists.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendGocv, BackendONNX:
	default:
		return fmt.Errorf("movenet: unknown backend %q", c.Backend)
	}
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		return fmt.Errorf("movenet: input size must be a positive multiple of 32, got %d", c.InputSize)
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return fmt.Errorf("movenet: model file not found: %s", c.ModelPath)
	}
	return nil
}

// New creates a detector for cfg.Backend.
func New(cfg Config) (pose.Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendONNX:
		return NewONNX(cfg)
	default:
		return NewGocv(cfg)
	}
}

// letterbox describes how a frame was fitted into the square input.
type letterbox struct {
	size   int     // input edge
	scale  float64 // frame px -> input px
	padX   float64 // input px
	padY   float64
	frameW float64
	frameH float64
}

// prepare scales img into a size x size RGBA canvas, preserving aspect and
// padding with black.
func prepare(img image.Image, size int) (*image.RGBA, letterbox) {
	b := img.Bounds()
	fw, fh := float64(b.Dx()), float64(b.Dy())
	scale := float64(size) / max(fw, fh)
	w := int(fw*scale + 0.5)
	h := int(fh*scale + 0.5)
	padX := (size - w) / 2
	padY := (size - h) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(padX, padY, padX+w, padY+h), img, b, draw.Src, nil)

	return canvas, letterbox{
		size:   size,
		scale:  scale,
		padX:   float64(padX),
		padY:   float64(padY),
		frameW: fw,
		frameH: fh,
	}
}

// tensor flattens canvas to NHWC float32 RGB in [0, 255].
func tensor(canvas *image.RGBA) []float32 {
	size := canvas.Rect.Dx()
	data := make([]float32, 0, size*size*3)
	for y := 0; y < canvas.Rect.Dy(); y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			data = append(data, float32(row[x*4]), float32(row[x*4+1]), float32(row[x*4+2]))
		}
	}
	return data
}

// decode maps the [1,1,17,3] output back to frame-normalized keypoints.
func decode(out []float32, lb letterbox) ([]pose.Keypoint, error) {
	if len(out) < pose.NumParts*3 {
		return nil, fmt.Errorf("movenet: output has %d values, want %d", len(out), pose.NumParts*3)
	}
	kps := make([]pose.Keypoint, pose.NumParts)
	for i := 0; i < pose.NumParts; i++ {
		y := float64(out[i*3])
		x := float64(out[i*3+1])
		score := float64(out[i*3+2])

		fx := (x*float64(lb.size) - lb.padX) / lb.scale / lb.frameW
		fy := (y*float64(lb.size) - lb.padY) / lb.scale / lb.frameH
		kps[i] = pose.Keypoint{
			Part:  pose.Part(i),
			X:     clamp01(fx),
			Y:     clamp01(fy),
			Score: clamp01(score),
		}
	}
	return kps, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
