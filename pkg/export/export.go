// Package export serializes the rendered output surface to a still image.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"time"
)

// Sentinel errors for capture failures.
var (
	// ErrEmptySurface is returned when nothing was ever rendered.
	ErrEmptySurface = errors.New("export: surface is empty")

	// ErrTaintedSurface is returned when a cross-origin asset without read
	// access was drawn into the surface.
	ErrTaintedSurface = errors.New("export: surface is tainted by a cross-origin asset")

	// ErrEncode is returned when the image encoder fails.
	ErrEncode = errors.New("export: encode failed")
)

// ExportError wraps a capture failure with its classification.
type ExportError struct {
	// Kind is one of ErrEmptySurface, ErrTaintedSurface, ErrEncode.
	Kind error

	// Err is the underlying error, if any.
	Err error
}

func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *ExportError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Source is a surface that can be read outside the render loop.
type Source interface {
	Snapshot() (img *image.RGBA, tainted bool, ok bool)
}

// DefaultPrefix is the filename prefix used when none is configured.
const DefaultPrefix = "tryon"

// Artifact is an encoded still.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
	Width       int
	Height      int
}

// Filename returns the artifact name for a capture taken at t:
// prefix-<unix milliseconds>.png.
func Filename(prefix string, t time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%d.png", prefix, t.UnixMilli())
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = l
	}
}

// WithPrefix sets the filename prefix.
func WithPrefix(prefix string) Option {
	return func(e *Exporter) {
		e.prefix = prefix
	}
}

// WithClock overrides time.Now for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// Exporter captures PNG stills.
type Exporter struct {
	prefix  string
	now     func() time.Time
	encoder png.Encoder
	logger  *slog.Logger
}

// New creates an exporter.
func New(opts ...Option) *Exporter {
	e := &Exporter{
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "export")
	return e
}

// Capture synchronously encodes the current frame of src to PNG.
func (e *Exporter) Capture(src Source) (*Artifact, error) {
	img, tainted, ok := src.Snapshot()
	if !ok || img == nil {
		return nil, &ExportError{Kind: ErrEmptySurface}
	}
	if tainted {
		e.logger.Warn("capture refused", "reason", "tainted surface")
		return nil, &ExportError{Kind: ErrTaintedSurface}
	}

	var buf bytes.Buffer
	if err := e.encoder.Encode(&buf, img); err != nil {
		return nil, &ExportError{Kind: ErrEncode, Err: err}
	}

	at := e.now()
	a := &Artifact{
		Filename:    Filename(e.prefix, at),
		ContentType: "image/png",
		Data:        buf.Bytes(),
		CreatedAt:   at,
		Width:       img.Rect.Dx(),
		Height:      img.Rect.Dy(),
	}
	e.logger.Info("captured", "file", a.Filename, "bytes", len(a.Data))
	return a, nil
}

// EncodeJPEG encodes img as JPEG for preview streaming.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
