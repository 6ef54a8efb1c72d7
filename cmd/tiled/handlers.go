package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"

	"tileproxy/internal/config"
	"tileproxy/internal/errs"
	"tileproxy/internal/grid"
	"tileproxy/internal/imaging"
	"tileproxy/internal/layer"
	"tileproxy/internal/obsv"
	"tileproxy/internal/source"
	"tileproxy/internal/srs"
	"tileproxy/internal/tilemgr"
)

type handlers struct {
	reg     *config.Registry
	metrics *obsv.Metrics
}

// getTile serves /tiles/:layer/:grid/:z/:x/:y, the path-templated
// WMTS/TMS-style tile form.
func (h *handlers) getTile(c *gin.Context) {
	layerName := c.Param("layer")
	gridName := c.Param("grid")
	zStr := c.Param("z")
	xStr := c.Param("x")
	yAndFormat := c.Param("y")

	mgr, ok := h.reg.Managers[layerName]
	if !ok {
		c.String(http.StatusNotFound, "unknown layer %s", layerName)
		return
	}
	if gridName != "" && gridName != mgr.Grid.Name {
		c.String(http.StatusNotFound, "layer %s does not serve grid %s", layerName, gridName)
		return
	}
	z, err1 := strconv.Atoi(zStr)
	x, err2 := strconv.Atoi(xStr)
	yPart, ext, hasExt := strings.Cut(yAndFormat, ".")
	if !hasExt {
		yPart = yAndFormat
	}
	y, err3 := strconv.Atoi(yPart)
	if err1 != nil || err2 != nil || err3 != nil {
		c.String(http.StatusBadRequest, "invalid tile coordinate")
		return
	}

	bbox, err := mgr.Grid.TileBBox(grid.Coord{Z: z, X: x, Y: y})
	if err != nil {
		c.String(http.StatusBadRequest, "out of range tile: %v", err)
		return
	}

	img, err := mgr.GetMap(c.Request.Context(), bbox, mgr.Grid.SRS, mgr.Grid.TileWidth, mgr.Grid.TileHeight)
	if err != nil {
		h.metrics.SourceErrors.WithLabelValues(layerName, "tile").Inc()
		writeEngineError(c, err)
		return
	}
	format := imaging.FormatPNG
	if hasExt && ext != "" {
		format = imaging.Format(ext)
	}
	data, contentType, err := imaging.Encode(img, format, imaging.EncodeOptions{})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// service serves /service, the WMS-style query form:
// request=GetMap|GetFeatureInfo|GetLegendGraphic plus layers, bbox,
// width, height, srs, format.
func (h *handlers) service(c *gin.Context) {
	q := c.Request.URL.Query()
	req := strings.ToLower(firstOf(q, "request", "REQUEST"))
	layerName := firstOf(q, "layers", "LAYERS")

	l, hasLayer := h.reg.Layers[layerName]
	mgr, hasMgr := h.reg.Managers[layerName]
	if !hasLayer || !hasMgr {
		writeServiceException(c, "LayerNotDefined", "unknown layer "+layerName)
		return
	}

	switch req {
	case "getmap", "":
		h.getMap(c, mgr, q)
	case "getfeatureinfo":
		h.getFeatureInfo(c, l, q)
	case "getlegendgraphic":
		h.getLegend(c, l, q)
	default:
		writeServiceException(c, "OperationNotSupported", "unsupported request "+req)
	}
}

func (h *handlers) getMap(c *gin.Context, mgr *tilemgr.Manager, q map[string][]string) {
	bbox, err := parseBBox(firstOf(q, "bbox", "BBOX"))
	if err != nil {
		writeServiceException(c, "InvalidParameterValue", err.Error())
		return
	}
	w, height, err := parseSize(firstOf(q, "width", "WIDTH"), firstOf(q, "height", "HEIGHT"))
	if err != nil {
		writeServiceException(c, "InvalidParameterValue", err.Error())
		return
	}
	reqSRS, err := parseSRS(firstOf(q, "srs", "SRS", "crs", "CRS"), mgr.Grid.SRS)
	if err != nil {
		writeServiceException(c, "InvalidSRS", err.Error())
		return
	}
	format := imaging.Format(defaultStr(firstOf(q, "format", "FORMAT"), "png"))
	if strings.Contains(string(format), "/") {
		format = imaging.Format(strings.TrimPrefix(string(format), "image/"))
	}

	img, err := mgr.GetMap(c.Request.Context(), bbox, reqSRS, w, height)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	data, contentType, err := imaging.Encode(img, format, imaging.EncodeOptions{})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *handlers) getFeatureInfo(c *gin.Context, l *layer.Layer, q map[string][]string) {
	bbox, err := parseBBox(firstOf(q, "bbox", "BBOX"))
	if err != nil {
		writeServiceException(c, "InvalidParameterValue", err.Error())
		return
	}
	w, ht, err := parseSize(firstOf(q, "width", "WIDTH"), firstOf(q, "height", "HEIGHT"))
	if err != nil {
		writeServiceException(c, "InvalidParameterValue", err.Error())
		return
	}
	reqSRS, err := parseSRS(firstOf(q, "srs", "SRS", "crs", "CRS"), srs.WGS84)
	if err != nil {
		writeServiceException(c, "InvalidSRS", err.Error())
		return
	}
	px, _ := strconv.Atoi(firstOf(q, "x", "i", "X", "I"))
	py, _ := strconv.Atoi(firstOf(q, "y", "j", "Y", "J"))

	body, contentType, err := l.GetFeatureInfo(c.Request.Context(), source.FeatureInfoRequest{
		MapRequest: source.MapRequest{Bbox: bbox, SRS: reqSRS, Width: w, Height: ht},
		X:          px,
		Y:          py,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	c.Data(http.StatusOK, contentType, body)
}

func (h *handlers) getLegend(c *gin.Context, l *layer.Layer, q map[string][]string) {
	scale, _ := strconv.ParseFloat(firstOf(q, "scale", "SCALE"), 64)
	data, ok, err := l.GetLegend(c.Request.Context(), scale)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func firstOf(q map[string][]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 comma-separated values, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func parseSize(wStr, hStr string) (int, int, error) {
	w, err := strconv.Atoi(wStr)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width %q", wStr)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height %q", hStr)
	}
	return w, h, nil
}

func parseSRS(code string, fallback srs.SRS) (srs.SRS, error) {
	if code == "" {
		return fallback, nil
	}
	return srs.New(code, srs.AxisXY, false)
}

func writeEngineError(c *gin.Context, err error) {
	var se *errs.SourceError
	var ce *errs.CacheError
	var lt *errs.LockTimeout
	var sa *errs.SourceErrorAbort
	switch {
	case errors.As(err, &se):
		status := http.StatusBadGateway
		if se.StatusCode >= 400 {
			status = se.StatusCode
		}
		c.String(status, "source error: %v", se)
	case errors.As(err, &ce):
		c.String(http.StatusInternalServerError, "cache error: %v", ce)
	case errors.As(err, &lt):
		c.String(http.StatusServiceUnavailable, "lock timeout: %v", lt)
	case errors.As(err, &sa):
		writeServiceException(c, "NoApplicableCode", sa.Error())
	default:
		c.String(http.StatusInternalServerError, "internal error: %v", err)
	}
}

func writeServiceException(c *gin.Context, code, msg string) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ServiceExceptionReport version="1.3.0">
  <ServiceException code="%s">%s</ServiceException>
</ServiceExceptionReport>`, code, msg)
	c.Data(http.StatusBadRequest, "application/vnd.ogc.se_xml", []byte(body))
}
