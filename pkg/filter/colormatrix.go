package filter

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// colorMatrix is a 4x5 row-major matrix over 0-255 channel values:
//
//	[R']   [a00 a01 a02 a03 a04]   [R]
//	[G'] = [a10 a11 a12 a13 a14] * [G]
//	[B']   [a20 a21 a22 a23 a24]   [B]
//	[A']   [a30 a31 a32 a33 a34]   [A]
//	                               [1]
type colorMatrix [20]float64

var identityMatrix = colorMatrix{
	1, 0, 0, 0, 0,
	0, 1, 0, 0, 0,
	0, 0, 1, 0, 0,
	0, 0, 0, 1, 0,
}

var sepiaMatrix = colorMatrix{
	0.393, 0.769, 0.189, 0, 0,
	0.349, 0.686, 0.168, 0, 0,
	0.272, 0.534, 0.131, 0, 0,
	0, 0, 0, 1, 0,
}

var invertMatrix = colorMatrix{
	-1, 0, 0, 0, 255,
	0, -1, 0, 0, 255,
	0, 0, -1, 0, 255,
	0, 0, 0, 1, 0,
}

var warmMatrix = colorMatrix{
	1.08, 0, 0, 0, 12,
	0, 1.02, 0, 0, 4,
	0, 0, 0.86, 0, -8,
	0, 0, 0, 1, 0,
}

var coolMatrix = colorMatrix{
	0.88, 0, 0, 0, -6,
	0, 1.0, 0, 0, 2,
	0, 0, 1.1, 0, 14,
	0, 0, 0, 1, 0,
}

// Rec. 709 luminance weights.
const (
	lumR = 0.2126
	lumG = 0.7152
	lumB = 0.0722
)

func saturationMatrix(s float64) colorMatrix {
	inv := 1 - s
	return colorMatrix{
		lumR*inv + s, lumG * inv, lumB * inv, 0, 0,
		lumR * inv, lumG*inv + s, lumB * inv, 0, 0,
		lumR * inv, lumG * inv, lumB*inv + s, 0, 0,
		0, 0, 0, 1, 0,
	}
}

func brightnessMatrix(f float64) colorMatrix {
	return colorMatrix{
		f, 0, 0, 0, 0,
		0, f, 0, 0, 0,
		0, 0, f, 0, 0,
		0, 0, 0, 1, 0,
	}
}

func contrastMatrix(f float64) colorMatrix {
	off := 128 * (1 - f)
	return colorMatrix{
		f, 0, 0, 0, off,
		0, f, 0, 0, off,
		0, 0, f, 0, off,
		0, 0, 0, 1, 0,
	}
}

func hueRotateMatrix(degrees float64) colorMatrix {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	const (
		r = 0.213
		g = 0.715
		b = 0.072
	)
	return colorMatrix{
		r + c*(1-r) - s*r, g - c*g - s*g, b - c*b + s*(1-b), 0, 0,
		r - c*r + s*0.143, g + c*(1-g) + s*0.140, b - c*b - s*0.283, 0, 0,
		r - c*r - s*(1-r), g - c*g + s*g, b + c*(1-b) + s*b, 0, 0,
		0, 0, 0, 1, 0,
	}
}

// lerp moves m toward the identity as t falls to 0.
func (m colorMatrix) lerp(t float64) colorMatrix {
	var out colorMatrix
	for i := range m {
		out[i] = identityMatrix[i] + (m[i]-identityMatrix[i])*t
	}
	return out
}

// apply runs m over every pixel with gocv.Transform.
func (m *colorMatrix) apply(src *image.RGBA) *image.RGBA {
	tm := m.bgra()
	defer tm.Close()
	return cv(src, func(in gocv.Mat, out *gocv.Mat) error {
		return gocv.Transform(in, out, tm)
	})
}

// bgra returns m as a 4x5 CV32F Mat with rows and columns reordered for
// BGRA pixels.
func (m *colorMatrix) bgra() gocv.Mat {
	order := [4]int{2, 1, 0, 3}
	tm := gocv.NewMatWithSize(4, 5, gocv.MatTypeCV32F)
	for i, r := range order {
		for j, c := range order {
			tm.SetFloatAt(i, j, float32(m[r*5+c]))
		}
		tm.SetFloatAt(i, 4, float32(m[r*5+4]))
	}
	return tm
}

// matrixFilter applies a fixed full-strength matrix, interpolated by intensity.
func matrixFilter(full func(float64) colorMatrix) Func {
	return func(src *image.RGBA, t float64) *image.RGBA {
		m := full(t).lerp(t)
		return m.apply(src)
	}
}

// scaledMatrix builds a matrix whose parameter already encodes intensity.
func scaledMatrix(build func(float64) colorMatrix) Func {
	return func(src *image.RGBA, t float64) *image.RGBA {
		m := build(t)
		return m.apply(src)
	}
}
