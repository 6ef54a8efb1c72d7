package imaging

import (
	"image/color"
	"testing"

	"github.com/paulmach/orb"

	"tileproxy/internal/srs"
)

func solid(w, h int, c color.RGBA) *Image {
	im := New(w, h, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(w), float64(h)}}, srs.WebMercator)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Pix.SetRGBA(x, y, c)
		}
	}
	return im
}

func TestEncodeMixedPicksJPEGWhenOpaque(t *testing.T) {
	im := solid(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	_, ct, err := Encode(im, FormatMixed, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ct != "image/jpeg" {
		t.Errorf("fully opaque mixed tile should encode as JPEG, got %s", ct)
	}
}

func TestEncodeMixedPicksPNGWhenTransparent(t *testing.T) {
	im := solid(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 128})
	_, ct, err := Encode(im, FormatMixed, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ct != "image/png" {
		t.Errorf("partially transparent mixed tile should encode as PNG, got %s", ct)
	}
}

func TestIsEmptyDetectsFullyTransparent(t *testing.T) {
	im := solid(4, 4, color.RGBA{})
	if !im.IsEmpty() {
		t.Error("fully transparent image should be IsEmpty")
	}
	im.Pix.SetRGBA(0, 0, color.RGBA{A: 1})
	if im.IsEmpty() {
		t.Error("image with one opaque pixel should not be IsEmpty")
	}
}

func TestComposeAlphaOverOpaqueBaseStaysOpaque(t *testing.T) {
	base := solid(2, 2, color.RGBA{R: 255, A: 255})
	overlay := solid(2, 2, color.RGBA{B: 255, A: 128})
	out := Compose(base, overlay, 1.0)
	p := out.Pix.RGBAAt(0, 0)
	if p.A != 255 {
		t.Errorf("compositing over an opaque base must stay opaque, got alpha=%d", p.A)
	}
	if p.R == 0 && p.B == 0 {
		t.Error("blended pixel should carry some of both source colors")
	}
}

func TestResizeNearestProducesRequestedSize(t *testing.T) {
	im := solid(8, 8, color.RGBA{R: 5, A: 255})
	out := Resize(im, 4, 4, FilterNearest)
	if out.Bounds().Dx() != 4 || out.Bounds().Dy() != 4 {
		t.Fatalf("unexpected size %v", out.Bounds())
	}
}

func TestQuantizeReservesTransparentIndex(t *testing.T) {
	im := solid(4, 4, color.RGBA{R: 200, A: 255})
	im.Pix.SetRGBA(0, 0, color.RGBA{})
	pal := Quantize(im, QuantizeMedianCut)
	if len(pal.Palette) == 0 {
		t.Fatal("expected a non-empty palette")
	}
	if _, _, _, a := pal.Palette[0].RGBA(); a != 0 {
		t.Errorf("index 0 should be reserved for transparency, got alpha=%d", a)
	}
}
