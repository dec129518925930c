package overlay

import (
	"errors"
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ErrNoGarment is returned by Draw without a garment image.
var ErrNoGarment = errors.New("overlay: no garment image")

// Draw scales garment into rect and composites it over dst. The garment
// fills rect exactly and the part of rect outside dst is cropped, not
// squeezed in. Its alpha channel is honored and further scaled by
// t.Opacity.
func Draw(dst *image.RGBA, garment image.Image, rect image.Rectangle, t Transform) error {
	if garment == nil || garment.Bounds().Empty() {
		return ErrNoGarment
	}
	if err := t.Validate(); err != nil {
		return err
	}
	visible := rect.Intersect(dst.Rect)
	if visible.Empty() || t.Opacity == 0 {
		return nil
	}

	scaled := resize.Resize(uint(rect.Dx()), uint(rect.Dy()), garment, resize.Bilinear)
	adjusted := adjust(scaled, t.Brightness, t.Contrast)

	mask := image.NewUniform(color.Alpha{A: uint8(t.Opacity*255 + 0.5)})
	draw.DrawMask(dst, visible, adjusted, visible.Min.Sub(rect.Min), mask, image.Point{}, draw.Over)
	return nil
}

// adjust returns a premultiplied RGBA copy of img with brightness and
// contrast applied to the straight (unpremultiplied) color.
func adjust(img image.Image, brightness, contrast float64) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	if brightness == 1 && contrast == 1 {
		return out
	}

	for i := 0; i < len(out.Pix); i += 4 {
		a := float64(out.Pix[i+3])
		if a == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			v := float64(out.Pix[i+c]) * 255 / a
			v = ((v-128)*contrast + 128) * brightness
			v = max(0, min(255, v))
			out.Pix[i+c] = uint8(v*a/255 + 0.5)
		}
	}
	return out
}
