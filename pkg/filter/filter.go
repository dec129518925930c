// Package filter implements the ordered pixel filter chain applied to every
// composited frame.
//
// Filters are pure functions of (pixels, intensity). Intensity is clamped to
// [0, 1] and zero always yields an exact copy of the input. A Chain applies
// its filters in a fixed category order regardless of how they were selected:
//
//	color → artistic → environment → fashion → lighting
package filter

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// Category groups filters and fixes their position in the chain.
type Category string

const (
	Color       Category = "color"
	Artistic    Category = "artistic"
	Environment Category = "environment"
	Fashion     Category = "fashion"
	Lighting    Category = "lighting"

	// Background specs select a background image. They are handled by the
	// background loader and never run as pixel filters.
	Background Category = "background"
)

// Order is the fixed application order of pixel categories.
var Order = []Category{Color, Artistic, Environment, Fashion, Lighting}

// NoneID is the identity filter id accepted in every category.
const NoneID = "none"

// ErrUnknownFilter is returned for a category/id pair with no registered filter.
var ErrUnknownFilter = errors.New("filter: unknown filter")

// Rank returns the position of c in Order, or -1 for non-pixel categories.
func (c Category) Rank() int {
	for i, o := range Order {
		if o == c {
			return i
		}
	}
	return -1
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == Background || c.Rank() >= 0 {
		return c, nil
	}
	return "", fmt.Errorf("%w: category %q", ErrUnknownFilter, s)
}

// Spec is one configured filter.
type Spec struct {
	Category  Category `json:"category"`
	ID        string   `json:"id"`
	Intensity float64  `json:"intensity"`
}

// String renders the spec for logs.
func (s Spec) String() string {
	return fmt.Sprintf("%s/%s@%.2f", s.Category, s.ID, s.Intensity)
}

// Func is a pure pixel transform. Implementations must not modify src.
type Func func(src *image.RGBA, intensity float64) *image.RGBA

// ClampIntensity limits v to [0, 1].
func ClampIntensity(v float64) float64 {
	switch {
	case v != v, v <= 0: // NaN or negative
		return 0
	case v >= 1:
		return 1
	default:
		return v
	}
}
