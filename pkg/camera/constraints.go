// Package camera acquires and releases the capture device for the try-on mirror.
// The device is a singleton resource: a Manager serializes acquisition and
// guarantees one release per acquire lifecycle.
package camera

import "fmt"

// Constraints describe the requested capture stream.
type Constraints struct {
	Width     int `json:"width"`     // Frame width in pixels
	Height    int `json:"height"`    // Frame height in pixels
	Framerate int `json:"framerate"` // Target FPS
	DeviceID  int `json:"device_id"` // Local device index

	// Exact rejects devices that cannot deliver Width x Height precisely.
	// When false the device's nearest mode is accepted.
	Exact bool `json:"exact"`
}

// Device capability limits accepted by Validate.
const (
	MaxWidth     = 4096
	MaxHeight    = 2160
	MinWidth     = 160
	MinHeight    = 120
	MaxFramerate = 120
)

// DefaultConstraints returns the 640x480 configuration used for try-on.
func DefaultConstraints() Constraints {
	return Constraints{
		Width:     640,
		Height:    480,
		Framerate: 30,
	}
}

// Validate checks if the constraint values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c Constraints) Validate() []string {
	var errors []string

	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, fmt.Sprintf("framerate must be between 1 and %d", MaxFramerate))
	}
	if c.DeviceID < 0 {
		errors = append(errors, "device_id must not be negative")
	}

	return errors
}

// String renders constraints for logs.
func (c Constraints) String() string {
	exact := ""
	if c.Exact {
		exact = " exact"
	}
	return fmt.Sprintf("%dx%d@%d dev=%d%s", c.Width, c.Height, c.Framerate, c.DeviceID, exact)
}
