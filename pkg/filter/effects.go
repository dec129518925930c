package filter

import (
	"image"
	"math"
)

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	w := src.Rect.Dx() * 4
	for y := 0; y < src.Rect.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src.Pix[y*src.Stride:y*src.Stride+w])
	}
	return dst
}

// mapRGB applies fn to every pixel. Alpha is preserved. fn receives the
// pixel position relative to the image origin.
func mapRGB(src *image.RGBA, fn func(x, y int, r, g, b float64) (float64, float64, float64)) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		si := y * src.Stride
		di := y * dst.Stride
		for x := 0; x < w; x++ {
			r, g, b := fn(x, y, float64(src.Pix[si]), float64(src.Pix[si+1]), float64(src.Pix[si+2]))
			dst.Pix[di] = clamp8(r)
			dst.Pix[di+1] = clamp8(g)
			dst.Pix[di+2] = clamp8(b)
			dst.Pix[di+3] = src.Pix[si+3]
			si += 4
			di += 4
		}
	}
	return dst
}

// mix blends effect over src by t in place on effect and returns it.
func mix(src, effect *image.RGBA, t float64) *image.RGBA {
	if t >= 1 {
		return effect
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		si := y * src.Stride
		ei := y * effect.Stride
		for x := 0; x < w*4; x++ {
			s := float64(src.Pix[si+x])
			effect.Pix[ei+x] = clamp8(s + (float64(effect.Pix[ei+x])-s)*t)
		}
	}
	return effect
}

// Artistic

func posterize(src *image.RGBA, t float64) *image.RGBA {
	levels := 4.0
	step := 255 / (levels - 1)
	q := func(v float64) float64 { return math.Round(v/step) * step }
	return mix(src, mapRGB(src, func(_, _ int, r, g, b float64) (float64, float64, float64) {
		return q(r), q(g), q(b)
	}), t)
}

func pixelate(src *image.RGBA, t float64) *image.RGBA {
	block := 1 + int(math.Round(t*15))
	if block <= 1 {
		return clone(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(src.Rect)
	for by := 0; by < h; by += block {
		for bx := 0; bx < w; bx += block {
			var sum [4]float64
			n := 0.0
			for y := by; y < by+block && y < h; y++ {
				for x := bx; x < bx+block && x < w; x++ {
					i := y*src.Stride + x*4
					for c := 0; c < 4; c++ {
						sum[c] += float64(src.Pix[i+c])
					}
					n++
				}
			}
			for y := by; y < by+block && y < h; y++ {
				for x := bx; x < bx+block && x < w; x++ {
					i := y*dst.Stride + x*4
					for c := 0; c < 4; c++ {
						dst.Pix[i+c] = clamp8(sum[c] / n)
					}
				}
			}
		}
	}
	return dst
}

// Environment

func fog(src *image.RGBA, t float64) *image.RGBA {
	const fr, fg, fb = 222, 226, 232
	k := 0.55 * t
	return mapRGB(src, func(_, _ int, r, g, b float64) (float64, float64, float64) {
		return r + (fr-r)*k, g + (fg-g)*k, b + (fb-b)*k
	})
}

func vignette(src *image.RGBA, t float64) *image.RGBA {
	w, h := float64(src.Rect.Dx()), float64(src.Rect.Dy())
	cx, cy := (w-1)/2, (h-1)/2
	maxD := math.Hypot(cx, cy)
	if maxD == 0 {
		return clone(src)
	}
	return mapRGB(src, func(x, y int, r, g, b float64) (float64, float64, float64) {
		d := math.Hypot(float64(x)-cx, float64(y)-cy) / maxD
		f := 1 - 0.85*t*smoothstep(0.35, 1.0, d)
		return r * f, g * f, b * f
	})
}

func sunset(src *image.RGBA, t float64) *image.RGBA {
	h := float64(src.Rect.Dy())
	return mapRGB(src, func(_, y int, r, g, b float64) (float64, float64, float64) {
		v := 0.0
		if h > 1 {
			v = float64(y) / (h - 1)
		}
		// Orange sky fading into dusk purple.
		tr := 255 - 60*v
		tg := 150 - 90*v
		tb := 60 + 90*v
		k := 0.35 * t
		return r + (r*tr/255-r)*k + (tr-r)*k*0.4,
			g + (g*tg/255-g)*k + (tg-g)*k*0.4,
			b + (b*tb/255-b)*k + (tb-b)*k*0.4
	})
}

func smoothstep(e0, e1, x float64) float64 {
	v := (x - e0) / (e1 - e0)
	v = math.Max(0, math.Min(1, v))
	return v * v * (3 - 2*v)
}

// Fashion

func vintage(src *image.RGBA, t float64) *image.RGBA {
	m := sepiaMatrix.lerp(0.65)
	toned := m.apply(src)
	faded := mapRGB(toned, func(_, _ int, r, g, b float64) (float64, float64, float64) {
		// Lifted blacks and softened highlights.
		return 20 + r*0.86, 16 + g*0.86, 10 + b*0.84
	})
	return mix(src, vignette(faded, 0.5), t)
}

// Lighting

func exposure(src *image.RGBA, t float64) *image.RGBA {
	f := math.Pow(2, 1.5*t)
	m := brightnessMatrix(f)
	return m.apply(src)
}

func softLight(src *image.RGBA, t float64) *image.RGBA {
	sl := func(a float64) float64 {
		a /= 255
		// Self soft-light (W3C formula with backdrop == source).
		var d float64
		if a <= 0.25 {
			d = ((16*a-12)*a + 4) * a
		} else {
			d = math.Sqrt(a)
		}
		var v float64
		if a <= 0.5 {
			v = a - (1-2*a)*a*(1-a)
		} else {
			v = a + (2*a-1)*(d-a)
		}
		return v * 255
	}
	return mix(src, mapRGB(src, func(_, _ int, r, g, b float64) (float64, float64, float64) {
		return sl(r), sl(g), sl(b)
	}), t)
}
