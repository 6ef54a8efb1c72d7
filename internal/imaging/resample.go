package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/paulmach/orb"

	"tileproxy/internal/srs"
)

// Filter selects a resampling kernel.
type Filter int

const (
	FilterNearest Filter = iota
	FilterBilinear
	FilterBicubic // approximated by draw.CatmullRom, x/image's "high quality" kernel
)

func (f Filter) scaler() draw.Scaler {
	switch f {
	case FilterNearest:
		return draw.NearestNeighbor
	case FilterBilinear:
		return draw.ApproxBiLinear
	default:
		return draw.CatmullRom
	}
}

// Resize rescales im to w x h. Paletted sources are always promoted
// to RGBA before any resampler other than Nearest, which alone
// preserves exact palette indices.
func Resize(im *Image, w, h int, filter Filter) *Image {
	if filter != FilterNearest && im.Mode == ModePaletted {
		im = promoteToRGBA(im)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	filter.scaler().Scale(dst, dst.Bounds(), im.Pix, im.Pix.Bounds(), draw.Over, nil)
	return &Image{Pix: dst, Mode: ModeRGBA, Bbox: im.Bbox, SRS: im.SRS}
}

func promoteToRGBA(im *Image) *Image {
	if im.Mode != ModePaletted {
		return im
	}
	clone := im.Clone()
	clone.Mode = ModeRGBA
	return clone
}

// Reproject resamples src (covering src.Bbox in src.SRS) into a new
// w x h image covering dstBbox in dstSRS. Pixels are computed by
// inverse mapping: for each destination pixel, transform its SRS
// coordinate back into the source SRS and sample there, which avoids
// holes that a forward (source-to-destination) mapping would leave.
func Reproject(src *Image, dstBbox orb.Bound, dstSRS srs.SRS, w, h int, filter Filter) (*Image, error) {
	if src.SRS.Equal(dstSRS) && src.Bbox == dstBbox {
		return Resize(src, w, h, filter), nil
	}
	if filter != FilterNearest && src.Mode == ModePaletted {
		src = promoteToRGBA(src)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	srcB := src.Pix.Bounds()
	srcW, srcH := srcB.Dx(), srcB.Dy()
	sx := (src.Bbox.Max[0] - src.Bbox.Min[0]) / float64(srcW)
	sy := (src.Bbox.Max[1] - src.Bbox.Min[1]) / float64(srcH)
	dxStep := (dstBbox.Max[0] - dstBbox.Min[0]) / float64(w)
	dyStep := (dstBbox.Max[1] - dstBbox.Min[1]) / float64(h)

	for py := 0; py < h; py++ {
		worldY := dstBbox.Max[1] - (float64(py)+0.5)*dyStep
		for px := 0; px < w; px++ {
			worldX := dstBbox.Min[0] + (float64(px)+0.5)*dxStep
			sxCoord, syCoord, err := srs.Transform(dstSRS, src.SRS, worldX, worldY)
			if err != nil {
				return nil, err
			}
			fx := (sxCoord - src.Bbox.Min[0]) / sx
			fy := (src.Bbox.Max[1] - syCoord) / sy
			c := sampleAt(src.Pix, fx, fy, filter)
			dst.Set(px, py, c)
		}
	}
	return &Image{Pix: dst, Mode: ModeRGBA, Bbox: dstBbox, SRS: dstSRS}, nil
}

func sampleAt(src *image.RGBA, fx, fy float64, filter Filter) color.Color {
	b := src.Bounds()
	if filter == FilterNearest {
		x := int(fx)
		y := int(fy)
		if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
			return color.Transparent
		}
		return src.At(x, y)
	}
	x0, y0 := int(fx), int(fy)
	if x0 < b.Min.X-1 || x0 >= b.Max.X || y0 < b.Min.Y-1 || y0 >= b.Max.Y {
		return color.Transparent
	}
	return src.At(clampCoord(x0, b.Min.X, b.Max.X-1), clampCoord(y0, b.Min.Y, b.Max.Y-1))
}

func clampCoord(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
