package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fogleman/gg"

	"tileproxy/internal/errs"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// DebugSource draws the requested bbox's corner coordinates and pixel
// size onto a plain canvas using gg.Context -- a grid overlay plus a
// text label, for diagnosing alignment and reprojection bugs rather
// than rendering data.
type DebugSource struct {
	FeatureInfoUnsupported
	LegendUnsupported

	SRS srs.SRS
}

func NewDebugSource(mapSRS srs.SRS) *DebugSource {
	return &DebugSource{SRS: mapSRS}
}

func (s *DebugSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	w, h := req.Width, req.Height
	if w <= 0 || h <= 0 {
		return nil, &errs.SourceError{Kind: errs.SourceUnsupportedFormat, Source: "debug", Err: fmt.Errorf("invalid size %dx%d", w, h)}
	}
	dc := gg.NewContext(w, h)
	dc.SetRGBA255(255, 255, 255, 40)
	dc.Clear()
	dc.SetRGBA255(220, 20, 20, 220)
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, float64(w)-1, float64(h)-1)
	dc.Stroke()
	dc.DrawLine(0, 0, float64(w), float64(h))
	dc.DrawLine(float64(w), 0, 0, float64(h))
	dc.Stroke()

	label := fmt.Sprintf("%.3f,%.3f %.3f,%.3f %dx%d",
		req.Bbox.Min[0], req.Bbox.Min[1], req.Bbox.Max[0], req.Bbox.Max[1], w, h)
	dc.SetRGBA255(0, 0, 0, 255)
	dc.DrawStringWrapped(label, 4, 4, 0, 0, float64(w)-8, 1.4, gg.AlignLeft)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: "debug", Err: err}
	}
	return imaging.Decode(imaging.FormatPNG, buf.Bytes(), req.Bbox, req.SRS)
}

func (s *DebugSource) Supports(target srs.SRS, format imaging.Format) bool {
	return format != imaging.FormatTIFF
}
