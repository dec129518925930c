package filter

import (
	"fmt"
	"image"
	"slices"
	"strings"
)

type step struct {
	spec Spec
	fn   Func
}

// Chain is an immutable, ordered set of filters.
type Chain struct {
	steps []step
}

// NewChain resolves specs and sorts them into category order. Within a
// category, specs keep their selection order. Background specs and "none"
// ids are dropped. Unknown filters fail with ErrUnknownFilter.
func NewChain(specs ...Spec) (*Chain, error) {
	steps := make([]step, 0, len(specs))
	for _, s := range specs {
		if s.Category == Background {
			continue
		}
		if s.Category.Rank() < 0 {
			return nil, fmt.Errorf("%w: category %q", ErrUnknownFilter, s.Category)
		}
		id := strings.TrimSpace(s.ID)
		if id == "" || id == NoneID {
			continue
		}
		fn, ok := Lookup(s.Category, id)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownFilter, s.Category, id)
		}
		s.ID = id
		s.Intensity = ClampIntensity(s.Intensity)
		steps = append(steps, step{spec: s, fn: fn})
	}

	slices.SortStableFunc(steps, func(a, b step) int {
		return a.spec.Category.Rank() - b.spec.Category.Rank()
	})
	return &Chain{steps: steps}, nil
}

// Apply runs every filter in order. With no active filters src is returned
// as-is; otherwise a new image is returned and src is left untouched.
func (c *Chain) Apply(src *image.RGBA) *image.RGBA {
	if c == nil {
		return src
	}
	out := src
	for _, s := range c.steps {
		if s.spec.Intensity == 0 {
			continue
		}
		out = s.fn(out, s.spec.Intensity)
	}
	return out
}

// Specs returns the active specs in application order.
func (c *Chain) Specs() []Spec {
	if c == nil {
		return nil
	}
	out := make([]Spec, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.spec
	}
	return out
}

// Len returns the number of active filters.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.steps)
}

// String renders the chain for logs.
func (c *Chain) String() string {
	specs := c.Specs()
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, " → ")
}
