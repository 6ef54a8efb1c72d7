package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"tileproxy/internal/cacheb"
	"tileproxy/internal/grid"
	"tileproxy/internal/imaging"
	"tileproxy/internal/locker"
	"tileproxy/internal/srs"
	"tileproxy/internal/tilemgr"
)

func solidPNG(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func testBbox() orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
}

func TestWMSSourceGetMap(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNG(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
	}))
	defer srv.Close()

	s := NewWMSSource(srv.URL, "1.3.0", WMSAuth{}, 5*time.Second)
	req := MapRequest{Bbox: testBbox(), SRS: srs.WGS84, Width: 4, Height: 4, Format: imaging.FormatPNG, Layers: []string{"base"}}

	img, err := s.GetMap(context.Background(), req)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Pix.Bounds().Dx() != 4 || img.Pix.Bounds().Dy() != 4 {
		t.Fatalf("unexpected image size %v", img.Pix.Bounds())
	}
	if gotQuery == "" {
		t.Fatal("expected a query string to reach the server")
	}
}

func TestWMSSourceUpstreamErrorIsSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	s := NewWMSSource(srv.URL, "1.1.1", WMSAuth{}, 5*time.Second)
	req := MapRequest{Bbox: testBbox(), SRS: srs.WGS84, Width: 4, Height: 4, Format: imaging.FormatPNG}
	if _, err := s.GetMap(context.Background(), req); err == nil {
		t.Fatal("expected error on non-200 upstream response")
	}
}

func testTileGrid(t *testing.T) *grid.Grid {
	t.Helper()
	half := 180.0
	g, err := grid.New(grid.Config{
		Name:      "wgs84",
		SRS:       srs.WGS84,
		Bbox:      orb.Bound{Min: orb.Point{-half, -half / 2}, Max: orb.Point{half, half / 2}},
		NumLevels: 3,
		ResFactor: grid.ResFactor{Numeric: 2.0},
	})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func TestTileSourceGetMap(t *testing.T) {
	g := testTileGrid(t)
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write(solidPNG(2, 2, color.RGBA{R: 1, G: 2, B: 3, A: 255}))
	}))
	defer srv.Close()

	s := NewTileSource(srv.URL+"/%(z)s/%(x)s/%(y)s.png", false, g, 5*time.Second)

	b, err := g.TileBBox(grid.Coord{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	req := MapRequest{Bbox: b, SRS: g.SRS, Width: g.TileWidth, Height: g.TileHeight, Format: imaging.FormatPNG}
	if _, err := s.GetMap(context.Background(), req); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if gotPath == "" {
		t.Fatal("expected a request to reach the tile server")
	}
}

func TestTileSourceRejectsMisalignedRequest(t *testing.T) {
	g := testTileGrid(t)
	s := NewTileSource("http://example.invalid/%(z)s/%(x)s/%(y)s.png", false, g, time.Second)
	// A bbox spanning multiple tiles at level 0 does not align to any
	// single source tile.
	req := MapRequest{Bbox: orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}, SRS: g.SRS, Width: 256, Height: 256, Format: imaging.FormatPNG}
	if _, err := s.GetMap(context.Background(), req); err == nil {
		t.Fatal("expected error for a bbox not aligned to the source grid")
	}
}

func TestDebugSourceProducesDecodableImage(t *testing.T) {
	s := NewDebugSource(srs.WGS84)
	req := MapRequest{Bbox: testBbox(), SRS: srs.WGS84, Width: 64, Height: 64, Format: imaging.FormatPNG}
	img, err := s.GetMap(context.Background(), req)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img.Pix.Bounds().Dx() != 64 || img.Pix.Bounds().Dy() != 64 {
		t.Fatalf("unexpected image size %v", img.Pix.Bounds())
	}
}

type constSource struct {
	FeatureInfoUnsupported
	LegendUnsupported
	c color.RGBA
}

func (s *constSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	img := imaging.New(req.Width, req.Height, req.Bbox, req.SRS)
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			img.Pix.SetRGBA(x, y, s.c)
		}
	}
	return img, nil
}

func (s *constSource) Supports(target srs.SRS, format imaging.Format) bool { return true }

func TestBandMergeSourceCombinesChannels(t *testing.T) {
	red := &constSource{c: color.RGBA{R: 200, A: 255}}
	green := &constSource{c: color.RGBA{G: 150, A: 255}}
	bm, err := NewBandMergeSource([]Source{red, green}, []int{0, 1})
	if err != nil {
		t.Fatalf("NewBandMergeSource: %v", err)
	}
	req := MapRequest{Bbox: testBbox(), SRS: srs.WGS84, Width: 4, Height: 4, Format: imaging.FormatPNG}
	img, err := bm.GetMap(context.Background(), req)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	got := img.Pix.RGBAAt(0, 0)
	if got.R != 200 || got.G != 150 {
		t.Fatalf("expected merged R=200 G=150, got %+v", got)
	}
}

func TestBandMergeSourceRejectsMismatchedLengths(t *testing.T) {
	red := &constSource{c: color.RGBA{R: 1, A: 255}}
	if _, err := NewBandMergeSource([]Source{red}, []int{0, 1}); err == nil {
		t.Fatal("expected error for mismatched sources/channels lengths")
	}
}

type memBackend struct {
	data map[cacheb.Key][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: map[cacheb.Key][]byte{}} }

func (b *memBackend) Load(ctx context.Context, key cacheb.Key) ([]byte, bool, error) {
	d, ok := b.data[key]
	return d, ok, nil
}
func (b *memBackend) Store(ctx context.Context, key cacheb.Key, data []byte) error {
	b.data[key] = data
	return nil
}
func (b *memBackend) Remove(ctx context.Context, key cacheb.Key) error {
	delete(b.data, key)
	return nil
}
func (b *memBackend) IsCached(ctx context.Context, key cacheb.Key) (bool, error) {
	_, ok := b.data[key]
	return ok, nil
}
func (b *memBackend) LoadMany(ctx context.Context, keys []cacheb.Key) (map[cacheb.Key][]byte, error) {
	return cacheb.EachLoad(ctx, b, keys)
}
func (b *memBackend) Capabilities() cacheb.Capabilities { return cacheb.Capabilities{} }
func (b *memBackend) Close() error                      { return nil }

func TestCacheSourceDelegatesToManager(t *testing.T) {
	g := testTileGrid(t)
	render := func(ctx context.Context, bbox orb.Bound, s srs.SRS, w, h int) (*imaging.Image, error) {
		return imaging.New(w, h, bbox, s), nil
	}
	mgr := tilemgr.New("base", g, newMemBackend(), render, locker.New(), nil, tilemgr.Config{
		MetaWidth: 1, MetaHeight: 1, UseDirectFromLevel: -1, Format: imaging.FormatPNG,
	})
	cs := NewCacheSource(mgr)

	b, err := g.TileBBox(grid.Coord{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	req := MapRequest{Bbox: b, SRS: g.SRS, Width: g.TileWidth, Height: g.TileHeight, Format: imaging.FormatPNG}
	if _, err := cs.GetMap(context.Background(), req); err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if !cs.Supports(g.SRS, imaging.FormatPNG) {
		t.Fatal("expected CacheSource to support its own grid SRS")
	}
}
