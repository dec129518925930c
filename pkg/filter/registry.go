package filter

import (
	"image"
	"sync"
)

// Info describes a registered filter for UIs.
type Info struct {
	Category Category `json:"category"`
	ID       string   `json:"id"`
	Name     string   `json:"name"`
}

type entry struct {
	info Info
	fn   Func
}

var (
	registryMu sync.RWMutex
	registry   = map[Category]map[string]entry{}
	catalog    []Info
)

// Register adds a filter. The function is wrapped so that intensity is
// clamped and zero intensity returns an untouched copy.
// Registering an existing category/id replaces it.
func Register(c Category, id, name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry[c] == nil {
		registry[c] = map[string]entry{}
	}
	info := Info{Category: c, ID: id, Name: name}
	if _, ok := registry[c][id]; !ok {
		catalog = append(catalog, info)
	}
	registry[c][id] = entry{info: info, fn: guard(fn)}
}

// Lookup returns the filter registered under c/id. The "none" id resolves
// to the identity in every pixel category.
func Lookup(c Category, id string) (Func, bool) {
	if id == NoneID && c.Rank() >= 0 {
		return Identity, true
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[c][id]
	return e.fn, ok
}

// Catalog lists registered filters in chain order, then registration order.
func Catalog() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Info, 0, len(catalog))
	for _, c := range Order {
		for _, info := range catalog {
			if info.Category == c {
				out = append(out, info)
			}
		}
	}
	return out
}

// Identity returns a copy of src.
func Identity(src *image.RGBA, _ float64) *image.RGBA {
	return clone(src)
}

func guard(fn Func) Func {
	return func(src *image.RGBA, intensity float64) *image.RGBA {
		t := ClampIntensity(intensity)
		if t == 0 {
			return clone(src)
		}
		return fn(src, t)
	}
}

func init() {
	// color
	Register(Color, "grayscale", "Grayscale", grayscale)
	Register(Color, "sepia", "Sepia", matrixFilter(func(float64) colorMatrix { return sepiaMatrix }))
	Register(Color, "saturate", "Saturate", scaledMatrix(func(t float64) colorMatrix { return saturationMatrix(1 + t) }))
	Register(Color, "hue-rotate", "Hue Rotate", scaledMatrix(func(t float64) colorMatrix { return hueRotateMatrix(180 * t) }))
	Register(Color, "invert", "Invert", matrixFilter(func(float64) colorMatrix { return invertMatrix }))
	Register(Color, "warm", "Warm", matrixFilter(func(float64) colorMatrix { return warmMatrix }))
	Register(Color, "cool", "Cool", matrixFilter(func(float64) colorMatrix { return coolMatrix }))

	// artistic
	Register(Artistic, "posterize", "Posterize", posterize)
	Register(Artistic, "pixelate", "Pixelate", pixelate)
	Register(Artistic, "sketch", "Sketch", sketch)
	Register(Artistic, "emboss", "Emboss", emboss)

	// environment
	Register(Environment, "fog", "Fog", fog)
	Register(Environment, "vignette", "Vignette", vignette)
	Register(Environment, "sunset", "Sunset", sunset)

	// fashion
	Register(Fashion, "vintage", "Vintage", vintage)
	Register(Fashion, "noir", "Noir", noir)
	Register(Fashion, "glam", "Glam", glam)

	// lighting
	Register(Lighting, "brightness", "Brightness", scaledMatrix(func(t float64) colorMatrix { return brightnessMatrix(1 + 0.6*t) }))
	Register(Lighting, "contrast", "Contrast", scaledMatrix(func(t float64) colorMatrix { return contrastMatrix(1 + t) }))
	Register(Lighting, "exposure", "Exposure", exposure)
	Register(Lighting, "soft-light", "Soft Light", softLight)
}
