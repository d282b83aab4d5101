package vision

import (
	"image"
	"image/color"
)

// grayPlane is a row-major luminance buffer.
type grayPlane struct {
	w, h int
	pix  []float32
}

func (g grayPlane) at(x, y int) float32 { return g.pix[y*g.w+x] }

// toGray converts the part of img inside r to luminance (0..255).
func toGray(img image.Image, r image.Rectangle) grayPlane {
	r = r.Intersect(img.Bounds())
	g := grayPlane{w: r.Dx(), h: r.Dy()}
	g.pix = make([]float32, g.w*g.h)

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < g.h; y++ {
			off := src.PixOffset(r.Min.X, r.Min.Y+y)
			for x := 0; x < g.w; x++ {
				g.pix[y*g.w+x] = float32(src.Pix[off+x])
			}
		}
	case *image.NRGBA:
		for y := 0; y < g.h; y++ {
			off := src.PixOffset(r.Min.X, r.Min.Y+y)
			for x := 0; x < g.w; x++ {
				p := src.Pix[off+4*x : off+4*x+3 : off+4*x+3]
				g.pix[y*g.w+x] = luma(uint32(p[0]), uint32(p[1]), uint32(p[2]))
			}
		}
	case *image.RGBA:
		for y := 0; y < g.h; y++ {
			off := src.PixOffset(r.Min.X, r.Min.Y+y)
			for x := 0; x < g.w; x++ {
				p := src.Pix[off+4*x : off+4*x+3 : off+4*x+3]
				g.pix[y*g.w+x] = luma(uint32(p[0]), uint32(p[1]), uint32(p[2]))
			}
		}
	default:
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				c := color.NRGBAModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA)
				g.pix[y*g.w+x] = luma(uint32(c.R), uint32(c.G), uint32(c.B))
			}
		}
	}
	return g
}

// luma uses the ITU-R BT.601 weights, same as most CV toolkits.
func luma(r, g, b uint32) float32 {
	return 0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)
}

// otsu returns the binarization threshold that maximizes between-class variance.
func otsu(g grayPlane) uint8 {
	var hist [256]int
	for _, v := range g.pix {
		hist[clamp8(v)]++
	}
	total := len(g.pix)
	if total == 0 {
		return 128
	}
	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}
	var (
		sumB, best float64
		wB         int
		thr        uint8
	)
	for i := 0; i < 256; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * hist[i])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			thr = uint8(i)
		}
	}
	return thr
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// binarize renders g as black text on white using the Otsu threshold.
func binarize(g grayPlane) *image.Gray {
	thr := otsu(g)
	out := image.NewGray(image.Rect(0, 0, g.w, g.h))
	for i, v := range g.pix {
		if clamp8(v) > thr {
			out.Pix[i] = 255
		}
	}
	return out
}
