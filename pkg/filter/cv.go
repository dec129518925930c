package filter

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Mats built by toMat hold BGRA pixels, the layout gocv.ImageToMatRGBA
// produces. Kernels that work on luminance go through grayscale Mats and
// come back with fromGray.

func toMat(src *image.RGBA) (gocv.Mat, error) {
	if src.Stride != 4*src.Rect.Dx() {
		src = clone(src)
	}
	return gocv.ImageToMatRGBA(src)
}

func fromMat(m gocv.Mat, rect image.Rectangle) (*image.RGBA, error) {
	img, err := m.ToImage()
	if err != nil {
		return nil, err
	}
	n, ok := img.(*image.NRGBA)
	if !ok {
		return nil, fmt.Errorf("filter: unexpected mat type %v", m.Type())
	}
	return &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: rect}, nil
}

// cv runs op over src and keeps the source alpha channel. When OpenCV
// rejects the frame the result is an untouched copy of src.
func cv(src *image.RGBA, op func(in gocv.Mat, out *gocv.Mat) error) *image.RGBA {
	in, err := toMat(src)
	if err != nil {
		return clone(src)
	}
	defer in.Close()

	out := gocv.NewMat()
	defer out.Close()
	if err := op(in, &out); err != nil {
		return clone(src)
	}

	dst, err := fromMat(out, src.Rect)
	if err != nil {
		return clone(src)
	}
	keepAlpha(dst, src)
	return dst
}

func keepAlpha(dst, src *image.RGBA) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		si := y*src.Stride + 3
		di := y*dst.Stride + 3
		for x := 0; x < w; x++ {
			dst.Pix[di] = src.Pix[si]
			si += 4
			di += 4
		}
	}
}

// fromGray expands a single-channel result to BGRA and mixes it over in
// by t.
func fromGray(gray, in gocv.Mat, t float64, out *gocv.Mat) error {
	bgra := gocv.NewMat()
	defer bgra.Close()
	if err := gocv.CvtColor(gray, &bgra, gocv.ColorGrayToBGRA); err != nil {
		return err
	}
	return gocv.AddWeighted(bgra, t, in, 1-t, 0, out)
}

// grayKernel converts in to luminance, runs fn on it and mixes the result
// back over in.
func grayKernel(src *image.RGBA, t float64, fn func(gray gocv.Mat, dst *gocv.Mat) error) *image.RGBA {
	return cv(src, func(in gocv.Mat, out *gocv.Mat) error {
		gray := gocv.NewMat()
		defer gray.Close()
		if err := gocv.CvtColor(in, &gray, gocv.ColorBGRAToGray); err != nil {
			return err
		}

		res := gocv.NewMat()
		defer res.Close()
		if err := fn(gray, &res); err != nil {
			return err
		}
		return fromGray(res, in, t, out)
	})
}

func grayscale(src *image.RGBA, t float64) *image.RGBA {
	return grayKernel(src, t, func(gray gocv.Mat, dst *gocv.Mat) error {
		return gray.CopyTo(dst)
	})
}

// noir is a high-contrast grayscale.
func noir(src *image.RGBA, t float64) *image.RGBA {
	return grayKernel(src, t, func(gray gocv.Mat, dst *gocv.Mat) error {
		return gray.ConvertToWithParams(dst, gocv.MatTypeCV8U, 1.5, -64)
	})
}

// sketch renders inverted Sobel edge magnitude as pencil lines.
func sketch(src *image.RGBA, t float64) *image.RGBA {
	return grayKernel(src, t, func(gray gocv.Mat, dst *gocv.Mat) error {
		gradX := gocv.NewMat()
		gradY := gocv.NewMat()
		defer gradX.Close()
		defer gradY.Close()
		if err := gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderReplicate); err != nil {
			return err
		}
		if err := gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderReplicate); err != nil {
			return err
		}

		absX := gocv.NewMat()
		absY := gocv.NewMat()
		defer absX.Close()
		defer absY.Close()
		if err := gocv.ConvertScaleAbs(gradX, &absX, 1, 0); err != nil {
			return err
		}
		if err := gocv.ConvertScaleAbs(gradY, &absY, 1, 0); err != nil {
			return err
		}

		edges := gocv.NewMat()
		defer edges.Close()
		if err := gocv.AddWeighted(absX, 1, absY, 1, 0, &edges); err != nil {
			return err
		}
		return gocv.BitwiseNot(edges, dst)
	})
}

var embossKernel = [3][3]float32{
	{-2, -1, 0},
	{-1, 0, 1},
	{0, 1, 2},
}

// emboss lights the luminance relief from the top left around mid gray.
func emboss(src *image.RGBA, t float64) *image.RGBA {
	return grayKernel(src, t, func(gray gocv.Mat, dst *gocv.Mat) error {
		kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
		defer kernel.Close()
		for r, row := range embossKernel {
			for c, v := range row {
				kernel.SetFloatAt(r, c, v)
			}
		}
		return gocv.Filter2D(gray, dst, gocv.MatTypeCV8U, kernel, image.Pt(-1, -1), 128, gocv.BorderReplicate)
	})
}

// glam adds a soft glow: a blurred copy screen-blended over the source.
func glam(src *image.RGBA, t float64) *image.RGBA {
	k := 0.6 * t
	return cv(src, func(in gocv.Mat, out *gocv.Mat) error {
		blurred := gocv.NewMat()
		defer blurred.Close()
		if err := gocv.GaussianBlur(in, &blurred, image.Pt(13, 13), 0, 0, gocv.BorderReplicate); err != nil {
			return err
		}

		// screen(a, b) = 255 - (255-a)(255-b)/255
		invA := gocv.NewMat()
		invB := gocv.NewMat()
		prod := gocv.NewMat()
		screen := gocv.NewMat()
		defer invA.Close()
		defer invB.Close()
		defer prod.Close()
		defer screen.Close()
		if err := gocv.BitwiseNot(in, &invA); err != nil {
			return err
		}
		if err := gocv.BitwiseNot(blurred, &invB); err != nil {
			return err
		}
		if err := gocv.MultiplyWithParams(invA, invB, &prod, 1.0/255, in.Type()); err != nil {
			return err
		}
		if err := gocv.BitwiseNot(prod, &screen); err != nil {
			return err
		}
		return gocv.AddWeighted(screen, k, in, 1-k, 0, out)
	})
}
