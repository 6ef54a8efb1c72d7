// Package imaging implements the in-memory raster and the Transformer
// operations: decode/encode, resampling/reprojection, alpha
// compositing, transparent-color substitution, paletted quantization
// and watermarking.
//
// Resampling uses golang.org/x/image/draw (NearestNeighbor,
// ApproxBiLinear, CatmullRom as the bicubic approximation); anti-
// aliased drawing (watermark text, debug-source markers) uses
// github.com/fogleman/gg, grounded on brawer-miniwfs's use of
// gg.Context to paint per-tile markers. PNG/JPEG codecs are the
// standard library's -- gg itself wraps image/png internally, and no
// repo in the retrieved corpus substitutes a third-party codec for
// either format.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/paulmach/orb"

	"tileproxy/internal/errs"
	"tileproxy/internal/srs"
)

// Mode is a raster pixel mode.
type Mode int

const (
	ModeRGB Mode = iota
	ModeRGBA
	ModePaletted
	ModeGray
)

// Format is a wire/cache output format.
type Format string

const (
	FormatPNG   Format = "png"
	FormatJPEG  Format = "jpeg"
	FormatTIFF  Format = "tiff"
	FormatMixed Format = "mixed"
)

// Image is the core's in-memory raster. Instances are created by a
// Source or a cache read, mutated only by Transformer operations
// (each of which returns a new Image), and are owned by the request
// that created them.
type Image struct {
	Pix  *image.RGBA
	Mode Mode
	Bbox orb.Bound
	SRS  srs.SRS
}

// New allocates a transparent w x h image.
func New(w, h int, bbox orb.Bound, s srs.SRS) *Image {
	return &Image{
		Pix:  image.NewRGBA(image.Rect(0, 0, w, h)),
		Mode: ModeRGBA,
		Bbox: bbox,
		SRS:  s,
	}
}

// Bounds returns the pixel bounds of the underlying raster.
func (im *Image) Bounds() image.Rectangle { return im.Pix.Bounds() }

// Clone deep-copies the raster (Transformer operations never mutate
// their input in place).
func (im *Image) Clone() *Image {
	out := &Image{Mode: im.Mode, Bbox: im.Bbox, SRS: im.SRS}
	src := im.Pix
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	out.Pix = dst
	return out
}

// IsFullyOpaque reports whether every pixel has alpha == 255, the
// condition the "mixed" format uses to choose JPEG over PNG.
func (im *Image) IsFullyOpaque() bool {
	p := im.Pix
	for i := 3; i < len(p.Pix); i += 4 {
		if p.Pix[i] != 255 {
			return false
		}
	}
	return true
}

// IsEmpty reports whether every pixel is fully transparent -- the
// distinguished empty-tile case.
func (im *Image) IsEmpty() bool {
	p := im.Pix
	for i := 3; i < len(p.Pix); i += 4 {
		if p.Pix[i] != 0 {
			return false
		}
	}
	return true
}

// Decode reads a raster from bytes in the given format.
func Decode(format Format, data []byte, bbox orb.Bound, s srs.SRS) (*Image, error) {
	var src image.Image
	var err error
	switch format {
	case FormatPNG:
		src, err = png.Decode(bytes.NewReader(data))
	case FormatJPEG:
		src, err = jpeg.Decode(bytes.NewReader(data))
	default:
		return nil, &errs.ImageError{Kind: errs.ImageDecode, Format: string(format), Err: fmt.Errorf("unsupported decode format")}
	}
	if err != nil {
		return nil, &errs.ImageError{Kind: errs.ImageDecode, Format: string(format), Err: err}
	}
	rgba := toRGBA(src)
	return &Image{Pix: rgba, Mode: ModeRGBA, Bbox: bbox, SRS: s}, nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, y, src.At(x, y))
		}
	}
	return dst
}

// EncodeOptions controls format-specific encoding parameters.
type EncodeOptions struct {
	JPEGQuality int // 1-100, default 85
	Paletted    bool
	Quantizer   QuantizeMode
}

// Encode serializes im per format and returns the bytes and the wire
// content-type. FormatMixed picks PNG when the image has any
// non-opaque pixel, JPEG otherwise.
func Encode(im *Image, format Format, opts EncodeOptions) (data []byte, contentType string, err error) {
	resolved := format
	if format == FormatMixed {
		if im.IsFullyOpaque() {
			resolved = FormatJPEG
		} else {
			resolved = FormatPNG
		}
	}

	var buf bytes.Buffer
	switch resolved {
	case FormatPNG:
		if opts.Paletted {
			pal := Quantize(im, opts.Quantizer)
			err = png.Encode(&buf, pal)
		} else {
			err = png.Encode(&buf, im.Pix)
		}
		contentType = "image/png"
	case FormatJPEG:
		q := opts.JPEGQuality
		if q == 0 {
			q = 85
		}
		err = jpeg.Encode(&buf, opaqueRGBA(im.Pix), &jpeg.Options{Quality: q})
		contentType = "image/jpeg"
	case FormatTIFF:
		data, err = EncodeGeoTIFF(im, opts)
		contentType = "image/tiff"
		return data, contentType, wrapEncodeErr(err, "tiff")
	default:
		return nil, "", &errs.ImageError{Kind: errs.ImageEncode, Format: string(format), Err: fmt.Errorf("unsupported format")}
	}
	if err != nil {
		return nil, "", &errs.ImageError{Kind: errs.ImageEncode, Format: string(resolved), Err: err}
	}
	return buf.Bytes(), contentType, nil
}

func wrapEncodeErr(err error, format string) error {
	if err == nil {
		return nil
	}
	return &errs.ImageError{Kind: errs.ImageEncode, Format: format, Err: err}
}

// opaqueRGBA flattens alpha to white (JPEG has no alpha channel).
func opaqueRGBA(src *image.RGBA) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := src.At(x, y).RGBA()
			if a == 0xffff {
				dst.Set(x, y, color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8), 255})
				continue
			}
			// Composite over white.
			af := float64(a) / 0xffff
			rf := float64(r>>8)*af + 255*(1-af)
			gf := float64(g>>8)*af + 255*(1-af)
			bf := float64(bl>>8)*af + 255*(1-af)
			dst.Set(x, y, color.RGBA{uint8(rf), uint8(gf), uint8(bf), 255})
		}
	}
	return dst
}
