package movenet

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-tryon/pkg/pose"
)

// GocvDetector runs MoveNet through OpenCV's DNN module.
type GocvDetector struct {
	net  gocv.Net
	cfg  Config
	mu   sync.Mutex // Protects inference
	done bool
}

// NewGocv loads the model with gocv.ReadNetFromONNX.
func NewGocv(cfg Config) (*GocvDetector, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load MoveNet model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &GocvDetector{net: net, cfg: cfg}, nil
}

// Detect finds the body keypoints in img.
func (d *GocvDetector) Detect(ctx context.Context, img image.Image) ([]pose.Keypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", pose.ErrModelError)
	}

	canvas, lb := prepare(img, d.cfg.InputSize)
	data := tensor(canvas)

	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	size := d.cfg.InputSize
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, size, size, 3}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: build input: %v", pose.ErrModelError, err)
	}
	defer blob.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil, pose.ErrClosed
	}

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	out, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", pose.ErrModelError, err)
	}
	// Copy out of the Mat before it is closed.
	return decode(append([]float32(nil), out...), lb)
}

// Close releases the network.
func (d *GocvDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}
	d.done = true
	return d.net.Close()
}
