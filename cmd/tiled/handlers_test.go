package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"

	"tileproxy/internal/config"
	"tileproxy/internal/obsv"
)

func solidPNGForTest(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func testMetrics() *obsv.Metrics {
	return obsv.New()
}

func testRegistry(t *testing.T, wmsServerURL string) *config.Registry {
	t.Helper()
	cfg := &config.Config{
		Grids: []config.GridDef{{
			Name: "webmercator", SRS: "EPSG:3857",
			Bbox:      [4]float64{-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244},
			NumLevels: 3, ResFactor: 2.0,
		}},
		Sources: []config.SourceDef{{Name: "osm-wms", Type: "wms", BaseURL: wmsServerURL, Version: "1.3.0"}},
		Layers: []config.LayerDef{{
			Name: "osm", Grid: "webmercator",
			Entries:            []config.LayerEntryDef{{Source: "osm-wms"}},
			MetaWidth:          1,
			MetaHeight:         1,
			UseDirectFromLevel: -1,
			Format:             "png",
		}},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	reg, err := config.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func TestGetTileServesPNG(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNGForTest(t, 256, 256, color.RGBA{R: 9, G: 8, B: 7, A: 255}))
	}))
	defer upstream.Close()

	h := &handlers{reg: testRegistry(t, upstream.URL), metrics: testMetrics()}
	router := gin.New()
	router.GET("/tiles/:layer/:grid/:z/:x/:y", h.getTile)

	req := httptest.NewRequest(http.MethodGet, "/tiles/osm/webmercator/0/0/0.png", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestGetTileUnknownLayer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &handlers{reg: testRegistry(t, "http://127.0.0.1:0"), metrics: testMetrics()}
	router := gin.New()
	router.GET("/tiles/:layer/:grid/:z/:x/:y", h.getTile)

	req := httptest.NewRequest(http.MethodGet, "/tiles/nope/webmercator/0/0/0.png", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServiceGetMapWMSStyle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNGForTest(t, 256, 256, color.RGBA{R: 1, G: 2, B: 3, A: 255}))
	}))
	defer upstream.Close()

	h := &handlers{reg: testRegistry(t, upstream.URL), metrics: testMetrics()}
	router := gin.New()
	router.GET("/service", h.service)

	q := url.Values{
		"request": {"GetMap"},
		"layers":  {"osm"},
		"bbox":    {"-20037508,-20037508,20037508,20037508"},
		"width":   {"256"},
		"height":  {"256"},
		"srs":     {"EPSG:3857"},
		"format":  {"png"},
	}
	req := httptest.NewRequest(http.MethodGet, "/service?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServiceGetFeatureInfoWMSStyle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("layer=osm value=42"))
	}))
	defer upstream.Close()

	h := &handlers{reg: testRegistry(t, upstream.URL), metrics: testMetrics()}
	router := gin.New()
	router.GET("/service", h.service)

	q := url.Values{
		"request": {"GetFeatureInfo"},
		"layers":  {"osm"},
		"bbox":    {"-20037508,-20037508,20037508,20037508"},
		"width":   {"256"},
		"height":  {"256"},
		"srs":     {"EPSG:3857"},
		"x":       {"128"},
		"y":       {"128"},
	}
	req := httptest.NewRequest(http.MethodGet, "/service?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "layer=osm value=42" {
		t.Fatalf("unexpected feature info body %q", rec.Body.String())
	}
}

func TestServiceGetLegendGraphicReturnsOKOrNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNGForTest(t, 20, 20, color.RGBA{R: 5, G: 5, B: 5, A: 255}))
	}))
	defer upstream.Close()

	h := &handlers{reg: testRegistry(t, upstream.URL), metrics: testMetrics()}
	router := gin.New()
	router.GET("/service", h.service)

	// WMSSource.GetLegend forwards GetLegendGraphic to the upstream,
	// which answers with a PNG here, so the layer returns 200; a layer
	// with no legend would answer 204.
	req := httptest.NewRequest(http.MethodGet, "/service?request=GetLegendGraphic&layers=osm", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("expected 200 or 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServiceUnknownLayerReturnsServiceException(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &handlers{reg: testRegistry(t, "http://127.0.0.1:0"), metrics: testMetrics()}
	router := gin.New()
	router.GET("/service", h.service)

	req := httptest.NewRequest(http.MethodGet, "/service?request=GetMap&layers=missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/vnd.ogc.se_xml" {
		t.Fatalf("expected a ServiceException content type, got %q", rec.Header().Get("Content-Type"))
	}
}
