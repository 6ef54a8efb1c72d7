package imaging

import (
	"image"

	"github.com/fogleman/gg"
)

// WatermarkOptions controls text placement for Watermark, grounded on
// brawer-miniwfs's use of a gg.Context to paint per-tile markers.
type WatermarkOptions struct {
	Text     string
	FontSize float64
	Opacity  float64 // 0..1
	Corner   Corner
}

type Corner int

const (
	CornerBottomRight Corner = iota
	CornerBottomLeft
	CornerTopRight
	CornerTopLeft
)

// Watermark draws semi-transparent attribution text onto im and
// returns a new Image.
func Watermark(im *Image, opts WatermarkOptions) *Image {
	b := im.Pix.Bounds()
	dc := gg.NewContextForRGBA(im.Clone().Pix)
	size := opts.FontSize
	if size == 0 {
		size = 10
	}
	dc.LoadFontFace("", size) // falls back to gg's built-in default face on error
	dc.SetRGBA(0, 0, 0, opts.Opacity)

	margin := 4.0
	var x, y float64
	var ax, ay float64
	switch opts.Corner {
	case CornerBottomLeft:
		x, y, ax, ay = margin, float64(b.Dy())-margin, 0, 1
	case CornerTopRight:
		x, y, ax, ay = float64(b.Dx())-margin, margin, 1, 0
	case CornerTopLeft:
		x, y, ax, ay = margin, margin, 0, 0
	default:
		x, y, ax, ay = float64(b.Dx())-margin, float64(b.Dy())-margin, 1, 1
	}
	dc.DrawStringAnchored(opts.Text, x, y, ax, ay)

	return &Image{Pix: dc.Image().(*image.RGBA), Mode: im.Mode, Bbox: im.Bbox, SRS: im.SRS}
}

// DrawDebugMarker draws the tile coordinate and a grid border onto a
// copy of im and returns it (im is left unchanged): it draws coordinates so
// misaligned meta-tiles and seams are visible by eye.
func DrawDebugMarker(im *Image, label string) *Image {
	dc := gg.NewContextForRGBA(im.Clone().Pix)
	b := im.Pix.Bounds()
	dc.SetRGBA(1, 0, 0, 0.8)
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, float64(b.Dx())-1, float64(b.Dy())-1)
	dc.Stroke()
	dc.DrawStringAnchored(label, float64(b.Dx())/2, float64(b.Dy())/2, 0.5, 0.5)
	return &Image{Pix: dc.Image().(*image.RGBA), Mode: im.Mode, Bbox: im.Bbox, SRS: im.SRS}
}
