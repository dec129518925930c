package movenet

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/teslashibe/go-tryon/pkg/pose"
)

var ortInit struct {
	sync.Mutex
	err error
}

// initRuntime loads the onnxruntime shared library once per process.
func initRuntime(lib string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}
	ortInit.err = ort.InitializeEnvironment()
	return ortInit.err
}

// ONNXDetector runs MoveNet through ONNX Runtime. Input and output tensors
// are allocated once and bound to the session.
type ONNXDetector struct {
	cfg     Config
	mu      sync.Mutex // Protects the bound tensors
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	session *ort.AdvancedSession
}

// NewONNX creates a session for cfg.ModelPath.
func NewONNX(cfg Config) (*ONNXDetector, error) {
	if err := initRuntime(cfg.ORTLibrary); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}

	size := int64(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, size, size, 3))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, pose.NumParts, 3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load MoveNet model from %s: %w", cfg.ModelPath, err)
	}

	return &ONNXDetector{cfg: cfg, input: input, output: output, session: session}, nil
}

// Detect finds the body keypoints in img.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image) ([]pose.Keypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", pose.ErrModelError)
	}

	canvas, lb := prepare(img, d.cfg.InputSize)
	data := tensor(canvas)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, pose.ErrClosed
	}

	copy(d.input.GetData(), data)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", pose.ErrModelError, err)
	}
	return decode(append([]float32(nil), d.output.GetData()...), lb)
}

// Close destroys the session and its tensors. The runtime environment is
// shared and stays initialized.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.input.Destroy()
	d.output.Destroy()
	d.session = nil
	return err
}
