package config

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"tileproxy/internal/grid"
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

func TestValidateRejectsUnknownReferences(t *testing.T) {
	cfg := &Config{
		Grids: []GridDef{{Name: "g1", SRS: "EPSG:4326", Bbox: [4]float64{-180, -90, 180, 90}, NumLevels: 3}},
		Sources: []SourceDef{{Name: "s1", Type: "debug"}},
		Layers: []LayerDef{{
			Name:    "base",
			Grid:    "missing-grid",
			Entries: []LayerEntryDef{{Source: "s1"}},
		}},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown grid reference")
	}
}

func TestValidateRejectsNonDecreasingLadder(t *testing.T) {
	cfg := &Config{
		Grids:   []GridDef{{Name: "g1", SRS: "EPSG:4326", Bbox: [4]float64{-180, -90, 180, 90}, Res: []float64{1, 2}}},
		Sources: []SourceDef{{Name: "s1", Type: "debug"}},
		Layers:  []LayerDef{{Name: "base", Grid: "g1", Entries: []LayerEntryDef{{Source: "s1"}}}},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for a non-decreasing resolution ladder")
	}
}

func TestBuildWiresWMSLayerEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNG(256, 256, color.RGBA{R: 50, G: 60, B: 70, A: 255}))
	}))
	defer srv.Close()

	cfg := &Config{
		Globals: Globals{ConcurrentTileCreators: 2, ConcurrentLayerRenderer: 2},
		Grids: []GridDef{{
			Name: "webmercator", SRS: "EPSG:3857",
			Bbox:      [4]float64{-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244},
			NumLevels: 3, ResFactor: 2.0,
		}},
		Sources: []SourceDef{{Name: "osm-wms", Type: "wms", BaseURL: srv.URL, Version: "1.3.0"}},
		Layers: []LayerDef{{
			Name: "osm", Grid: "webmercator",
			Entries:            []LayerEntryDef{{Source: "osm-wms"}},
			MetaWidth:          1,
			MetaHeight:         1,
			UseDirectFromLevel: -1,
			Format:             "png",
		}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	reg, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mgr, ok := reg.Managers["osm"]
	if !ok {
		t.Fatal("expected a Manager for layer osm")
	}
	b, err := mgr.Grid.TileBBox(grid.Coord{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("TileBBox: %v", err)
	}
	img, err := mgr.GetMap(context.Background(), b, mgr.Grid.SRS, 256, 256)
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if img == nil {
		t.Fatal("expected a non-nil image")
	}
}

func TestBuildWiresCascadedCacheSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNG(256, 256, color.RGBA{R: 1, G: 2, B: 3, A: 255}))
	}))
	defer srv.Close()

	cfg := &Config{
		Grids: []GridDef{{
			Name: "webmercator", SRS: "EPSG:3857",
			Bbox:      [4]float64{-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244},
			NumLevels: 3, ResFactor: 2.0,
		}},
		Sources: []SourceDef{
			{Name: "osm-wms", Type: "wms", BaseURL: srv.URL, Version: "1.3.0"},
			{Name: "osm-cache", Type: "cache", LayerRef: "osm"},
		},
		Layers: []LayerDef{
			{Name: "osm", Grid: "webmercator", Entries: []LayerEntryDef{{Source: "osm-wms"}}, MetaWidth: 1, MetaHeight: 1, UseDirectFromLevel: -1, Format: "png"},
			{Name: "osm-overview", Grid: "webmercator", Entries: []LayerEntryDef{{Source: "osm-cache"}}, MetaWidth: 1, MetaHeight: 1, UseDirectFromLevel: -1, Format: "png"},
		},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	reg, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := reg.Managers["osm-overview"]; !ok {
		t.Fatal("expected a Manager for layer osm-overview")
	}
	if _, ok := reg.Sources["osm-cache"]; !ok {
		t.Fatal("expected a cache-as-source to be registered")
	}
}
