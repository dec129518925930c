package studio

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teslashibe/go-tryon/pkg/camera"
	"github.com/teslashibe/go-tryon/pkg/filter"
	"github.com/teslashibe/go-tryon/pkg/overlay"
)

// Overlay selects the garment drawn over the body.
type Overlay struct {
	ID        string            `json:"id"`
	Variant   string            `json:"variant,omitempty"`
	URI       string            `json:"uri"`
	Slot      overlay.Slot      `json:"slot"`
	Transform overlay.Transform `json:"transform"`
}

// UnmarshalJSON applies overlay.DefaultTransform when data has no
// transform.
func (o *Overlay) UnmarshalJSON(data []byte) error {
	type plain Overlay
	v := plain{Transform: overlay.DefaultTransform()}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Overlay(v)
	return nil
}

// Config is the plain-data selection supplied by the UI.
type Config struct {
	Overlay *Overlay      `json:"overlay,omitempty"`
	Filters []filter.Spec `json:"filters"`

	// Background is the uri of the background image. Empty means none.
	Background string `json:"background,omitempty"`

	// Output size. Zero keeps the camera frame size.
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultConfig returns an empty selection at 640x480.
func DefaultConfig() Config {
	return Config{Width: 640, Height: 480}
}

// Validate checks sizes, filters and the overlay.
func (c Config) Validate() error {
	var errs []error
	if c.Width < 0 || c.Height < 0 || (c.Width == 0) != (c.Height == 0) {
		errs = append(errs, fmt.Errorf("studio: invalid output size %dx%d", c.Width, c.Height))
	}
	if _, err := filter.NewChain(c.Filters...); err != nil {
		errs = append(errs, err)
	}
	if o := c.Overlay; o != nil {
		if o.URI == "" {
			errs = append(errs, errors.New("studio: overlay uri required"))
		}
		if _, err := overlay.ParseSlot(string(o.Slot)); err != nil {
			errs = append(errs, err)
		}
		if err := o.Transform.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Chain builds the filter chain.
func (c Config) Chain() (*filter.Chain, error) {
	return filter.NewChain(c.Filters...)
}

// BackgroundURI returns the selected background. A background-category
// filter spec selects one when Background is empty; its "none" id clears it.
func (c Config) BackgroundURI() string {
	if c.Background != "" {
		return c.Background
	}
	uri := ""
	for _, s := range c.Filters {
		if s.Category == filter.Background {
			uri = s.ID
		}
	}
	if uri == filter.NoneID {
		return ""
	}
	return uri
}

// OverlayURI returns the garment uri or empty.
func (c Config) OverlayURI() string {
	if c.Overlay == nil {
		return ""
	}
	return c.Overlay.URI
}

// Anchor returns the overlay anchor, or nil without an overlay.
func (c Config) Anchor() *overlay.Anchor {
	if c.Overlay == nil {
		return nil
	}
	slot, err := overlay.ParseSlot(string(c.Overlay.Slot))
	if err != nil {
		return nil
	}
	return &overlay.Anchor{Slot: slot, Transform: c.Overlay.Transform}
}

// Constraints applies the output size to base.
func (c Config) Constraints(base camera.Constraints) camera.Constraints {
	if c.Width > 0 && c.Height > 0 {
		base.Width = c.Width
		base.Height = c.Height
	}
	return base
}
