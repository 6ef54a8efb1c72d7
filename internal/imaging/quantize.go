package imaging

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"sort"
)

// QuantizeMode selects a paletted quantization algorithm.
type QuantizeMode int

const (
	QuantizeFastOctree QuantizeMode = iota
	QuantizeMedianCut
)

// Quantize converts im to a paletted image, reserving index 0 for
// full transparency when the source has any transparent pixel, so
// 8-bit mode preserves an index reserved for transparency.
//
// Neither fastoctree nor median-cut quantization has a matching
// library in the retrieved corpus; both are implemented over
// image/color/palette and the standard library's image/draw.Drawer,
// which already implements exactly this kind of nearest-palette-
// color mapping. QuantizeMedianCut computes no median-cut palette: it
// maps onto the fixed palette.WebSafe palette with Floyd-Steinberg
// dithering.
func Quantize(im *Image, mode QuantizeMode) *image.Paletted {
	pal := buildPalette(im, mode)
	b := im.Pix.Bounds()
	dst := image.NewPaletted(b, pal)

	if mode == QuantizeMedianCut {
		draw.FloydSteinberg.Draw(dst, b, im.Pix, image.Point{})
		return dst
	}
	draw.Draw(dst, b, im.Pix, image.Point{}, draw.Src)
	return dst
}

func buildPalette(im *Image, mode QuantizeMode) color.Palette {
	hasTransparent := false
	b := im.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y && !hasTransparent; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if im.Pix.RGBAAt(x, y).A == 0 {
				hasTransparent = true
				break
			}
		}
	}

	var base color.Palette
	switch mode {
	case QuantizeFastOctree:
		base = octreePalette(im, 255)
	default:
		base = palette.WebSafe
	}

	if !hasTransparent {
		return base
	}
	pal := make(color.Palette, 0, len(base)+1)
	pal = append(pal, color.RGBA{})
	pal = append(pal, base...)
	return pal
}

// octreePalette builds an approximate "fast octree" palette: colors
// are bucketed by their top 3 bits per channel (a cheap octree of
// depth 3) and the most frequent buckets become palette entries. This
// is the minimal approximation of the real fastoctree algorithm that
// a dependency-free implementation can offer.
func octreePalette(im *Image, maxColors int) color.Palette {
	type bucket struct {
		sumR, sumG, sumB, n int
	}
	buckets := map[uint16]*bucket{}
	b := im.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := im.Pix.RGBAAt(x, y)
			if p.A == 0 {
				continue
			}
			key := uint16(p.R>>5)<<10 | uint16(p.G>>5)<<5 | uint16(p.B>>5)
			bk := buckets[key]
			if bk == nil {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.sumR += int(p.R)
			bk.sumG += int(p.G)
			bk.sumB += int(p.B)
			bk.n++
		}
	}
	sorted := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		sorted = append(sorted, bk)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].n > sorted[j].n })
	pal := make(color.Palette, 0, len(sorted))
	for _, bk := range sorted {
		if bk.n == 0 {
			continue
		}
		pal = append(pal, color.RGBA{
			R: uint8(bk.sumR / bk.n),
			G: uint8(bk.sumG / bk.n),
			B: uint8(bk.sumB / bk.n),
			A: 255,
		})
		if len(pal) >= maxColors {
			break
		}
	}
	if len(pal) == 0 {
		pal = append(pal, color.RGBA{A: 255})
	}
	return pal
}
