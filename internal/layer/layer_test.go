package layer

import (
	"context"
	"image/color"
	"testing"

	"github.com/paulmach/orb"

	"tileproxy/internal/coverage"
	"tileproxy/internal/imaging"
	"tileproxy/internal/source"
	"tileproxy/internal/srs"
)

type fakeSource struct {
	source.FeatureInfoUnsupported
	source.LegendUnsupported
	c color.RGBA
}

func (s *fakeSource) GetMap(ctx context.Context, req source.MapRequest) (*imaging.Image, error) {
	img := imaging.New(req.Width, req.Height, req.Bbox, req.SRS)
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			img.Pix.SetRGBA(x, y, s.c)
		}
	}
	return img, nil
}

func (s *fakeSource) Supports(target srs.SRS, format imaging.Format) bool { return true }

func testBbox() orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}
}

func TestRenderCompositesBottomToTop(t *testing.T) {
	bottom := &fakeSource{c: color.RGBA{R: 255, A: 255}}
	top := &fakeSource{c: color.RGBA{B: 255, A: 128}}
	l := New("composite", []Entry{
		{Source: bottom},
		{Source: top},
	}, OnErrorRaise, 4)

	img, err := l.Render(context.Background(), testBbox(), srs.WGS84, 4, 4)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got := img.Pix.RGBAAt(0, 0)
	if got.B == 0 {
		t.Fatalf("expected top entry's blue to show through, got %+v", got)
	}
}

func TestRenderSkipsEntriesOutsideCoverage(t *testing.T) {
	inside := coverage.FromBbox(srs.WGS84, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	outside := coverage.FromBbox(srs.WGS84, orb.Bound{Min: orb.Point{100, 100}, Max: orb.Point{110, 110}})
	everywhere := &fakeSource{c: color.RGBA{R: 10, A: 255}}
	farAway := &fakeSource{c: color.RGBA{G: 200, A: 255}}

	l := New("gated", []Entry{
		{Source: everywhere, Coverage: &inside},
		{Source: farAway, Coverage: &outside},
	}, OnErrorRaise, 4)

	img, err := l.Render(context.Background(), testBbox(), srs.WGS84, 2, 2)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got := img.Pix.RGBAAt(0, 0)
	if got.G != 0 {
		t.Fatalf("expected the out-of-coverage entry to be skipped, got %+v", got)
	}
	if got.R != 10 {
		t.Fatalf("expected the in-coverage entry's color, got %+v", got)
	}
}

func TestRenderOpaqueEntryResetsStackBelow(t *testing.T) {
	bottom := &fakeSource{c: color.RGBA{R: 255, A: 255}}
	opaqueMiddle := &fakeSource{c: color.RGBA{G: 255, A: 255}}
	l := New("opaque", []Entry{
		{Source: bottom},
		{Source: opaqueMiddle, Opaque: true},
	}, OnErrorRaise, 4)

	img, err := l.Render(context.Background(), testBbox(), srs.WGS84, 2, 2)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got := img.Pix.RGBAAt(0, 0)
	if got.R != 0 {
		t.Fatalf("expected the opaque entry to mask the bottom entry, got %+v", got)
	}
	if got.G != 255 {
		t.Fatalf("expected the opaque entry's color, got %+v", got)
	}
}

func TestRenderNoActiveEntriesReturnsEmptyImage(t *testing.T) {
	outside := coverage.FromBbox(srs.WGS84, orb.Bound{Min: orb.Point{100, 100}, Max: orb.Point{110, 110}})
	farAway := &fakeSource{c: color.RGBA{R: 255, A: 255}}
	l := New("empty", []Entry{{Source: farAway, Coverage: &outside}}, OnErrorRaise, 4)

	img, err := l.Render(context.Background(), testBbox(), srs.WGS84, 2, 2)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !img.IsEmpty() {
		t.Fatal("expected an empty image when no entry's coverage intersects the request")
	}
}
