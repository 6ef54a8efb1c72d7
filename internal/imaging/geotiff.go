package imaging

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EncodeGeoTIFF writes im as an uncompressed single-strip,
// georeferenced TIFF. No TIFF *encoder* appears anywhere
// in the retrieved corpus -- golang.org/x/image/tiff, the one TIFF
// package the ecosystem gestures at, is decode-only -- so this is a
// minimal, dependency-free writer covering the baseline tags a
// georeferenced raster needs (ModelPixelScale/ModelTiepoint)
// rather than the full TIFF tag universe.
func EncodeGeoTIFF(im *Image, opts EncodeOptions) ([]byte, error) {
	b := im.Pix.Bounds()
	w, h := b.Dx(), b.Dy()

	pixelW := (im.Bbox.Max[0] - im.Bbox.Min[0]) / float64(w)
	pixelH := (im.Bbox.Max[1] - im.Bbox.Min[1]) / float64(h)

	rgb := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := im.Pix.RGBAAt(x, y)
			rgb = append(rgb, p.R, p.G, p.B)
		}
	}

	var buf bytes.Buffer
	bo := binary.LittleEndian
	buf.WriteString("II")
	binary.Write(&buf, bo, uint16(42))

	type ifdEntry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	pixelScale := []float64{pixelW, pixelH, 0}
	tiepoint := []float64{0, 0, 0, im.Bbox.Min[0], im.Bbox.Max[1], 0}

	headerLen := 8
	extraOffset := uint32(headerLen)
	pixelScaleBytes := float64sToBytes(bo, pixelScale)
	tiepointBytes := float64sToBytes(bo, tiepoint)
	pixelScaleOffset := extraOffset
	extraOffset += uint32(len(pixelScaleBytes))
	tiepointOffset := extraOffset
	extraOffset += uint32(len(tiepointBytes))
	pixelDataOffset := extraOffset

	entries := []ifdEntry{
		{256, 4, 1, uint32(w)},          // ImageWidth
		{257, 4, 1, uint32(h)},          // ImageLength
		{258, 3, 1, 8},                  // BitsPerSample (per channel, simplified to 1 value)
		{259, 3, 1, 1},                  // Compression: none
		{262, 3, 1, 2},                  // PhotometricInterpretation: RGB
		{273, 4, 1, pixelDataOffset},    // StripOffsets
		{277, 3, 1, 3},                  // SamplesPerPixel
		{278, 4, 1, uint32(h)},          // RowsPerStrip
		{279, 4, 1, uint32(len(rgb))},   // StripByteCounts
		{33550, 12, 3, pixelScaleOffset}, // ModelPixelScaleTag
		{33922, 12, 6, tiepointOffset},   // ModelTiepointTag
	}

	ifdOffset := pixelDataOffset + uint32(len(rgb))
	binary.Write(&buf, bo, ifdOffset)

	buf.Write(pixelScaleBytes)
	buf.Write(tiepointBytes)
	buf.Write(rgb)

	binary.Write(&buf, bo, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, bo, e.tag)
		binary.Write(&buf, bo, e.typ)
		binary.Write(&buf, bo, e.count)
		binary.Write(&buf, bo, e.value)
	}
	binary.Write(&buf, bo, uint32(0)) // next IFD offset

	return buf.Bytes(), nil
}

func float64sToBytes(bo binary.ByteOrder, vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		bo.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}
