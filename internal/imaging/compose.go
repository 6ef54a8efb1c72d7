package imaging

import (
	"image/color"
)

// Compose alpha-composites overlay over base using true (premultiplied)
// alpha blending at the given opacity -- real alpha compositing, not a
// paste. Both images must already share pixel dimensions (the caller
// resamples/reprojects each source onto the shared output grid before
// calling Compose).
func Compose(base, overlay *Image, opacity float64) *Image {
	out := base.Clone()
	b := out.Pix.Bounds()
	ov := overlay.Pix
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			src := ov.RGBAAt(x, y)
			if src.A == 0 {
				continue
			}
			dst := out.Pix.RGBAAt(x, y)
			out.Pix.SetRGBA(x, y, alphaOver(dst, src, opacity))
		}
	}
	return out
}

// alphaOver blends src over dst at the given opacity multiplier
// (1.0 = source alpha used as-is).
func alphaOver(dst, src color.RGBA, opacity float64) color.RGBA {
	srcA := float64(src.A) / 255.0 * opacity
	if srcA <= 0 {
		return dst
	}
	if srcA >= 1 && dst.A == 255 {
		return src
	}
	dstA := float64(dst.A) / 255.0
	outA := srcA + dstA*(1-srcA)
	if outA == 0 {
		return color.RGBA{}
	}
	blend := func(s, d uint8) uint8 {
		sf := float64(s) * srcA
		df := float64(d) * dstA * (1 - srcA)
		return uint8((sf + df) / outA)
	}
	return color.RGBA{
		R: blend(src.R, dst.R),
		G: blend(src.G, dst.G),
		B: blend(src.B, dst.B),
		A: uint8(outA * 255),
	}
}

// ReplaceTransparentColor rewrites every pixel matching key to fully
// transparent.
func ReplaceTransparentColor(im *Image, key color.RGBA) *Image {
	out := im.Clone()
	b := out.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := out.Pix.RGBAAt(x, y)
			if p.R == key.R && p.G == key.G && p.B == key.B {
				out.Pix.SetRGBA(x, y, color.RGBA{})
			}
		}
	}
	return out
}

// ApplyOpacity scales every pixel's alpha channel by factor.
func ApplyOpacity(im *Image, factor float64) *Image {
	out := im.Clone()
	b := out.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := out.Pix.RGBAAt(x, y)
			p.A = uint8(float64(p.A) * factor)
			out.Pix.SetRGBA(x, y, p)
		}
	}
	return out
}

// MergeBands synthesizes one image by sampling channel ch from each
// of srcs in order: channels[i] picks which output channel source i
// supplies; alpha is 255 unless a source supplies channel 3.
func MergeBands(srcs []*Image, channels []int) *Image {
	if len(srcs) == 0 {
		return nil
	}
	out := srcs[0].Clone()
	b := out.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var px color.RGBA
			px.A = 255
			for i, ch := range channels {
				if i >= len(srcs) {
					break
				}
				c := srcs[i].Pix.RGBAAt(x, y)
				switch ch {
				case 0:
					px.R = c.R
				case 1:
					px.G = c.G
				case 2:
					px.B = c.B
				case 3:
					px.A = c.A
				}
			}
			out.Pix.SetRGBA(x, y, px)
		}
	}
	return out
}
