package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tileproxy/internal/errs"
	"tileproxy/internal/hostlimit"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// arcgisIdentifyResponse mirrors the ArcGIS REST identify response
// shape; its per-result attributes map follows the convert.Feature
// type in the retrieved ArcGIS utilities.
type arcgisIdentifyResponse struct {
	Results []struct {
		LayerID   int            `json:"layerId"`
		LayerName string         `json:"layerName"`
		Attributes map[string]any `json:"attributes"`
	} `json:"results"`
}

// ArcGISSource talks to an ArcGIS Server "MapServer" REST endpoint's
// export and identify operations. Its query construction reuses the
// flat url.Values building WMSSource uses, since ArcGIS REST is the
// same GET-with-query-params shape as WMS, just with its own verbs.
type ArcGISSource struct {
	LegendUnsupported

	BaseURL string // e.g. https://host/arcgis/rest/services/Foo/MapServer
	Layers  string // comma-separated layer ids, or "" for all
	client  *http.Client

	// HostLimiter, if set, bounds concurrent in-flight requests to this
	// source's host independently of the Tile Manager's own bound.
	HostLimiter *hostlimit.Registry
}

func NewArcGISSource(baseURL, layers string, timeout time.Duration) *ArcGISSource {
	return &ArcGISSource{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Layers:  layers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *ArcGISSource) exportQuery(req MapRequest) url.Values {
	q := url.Values{}
	q.Set("f", "image")
	q.Set("format", arcgisImageFormat(req.Format))
	q.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", req.Bbox.Min[0], req.Bbox.Min[1], req.Bbox.Max[0], req.Bbox.Max[1]))
	q.Set("bboxSR", req.SRS.Code())
	q.Set("imageSR", req.SRS.Code())
	q.Set("size", fmt.Sprintf("%d,%d", req.Width, req.Height))
	q.Set("transparent", "true")
	if s.Layers != "" {
		q.Set("layers", "show:"+s.Layers)
	}
	return q
}

func arcgisImageFormat(f imaging.Format) string {
	switch f {
	case imaging.FormatJPEG:
		return "jpg"
	case imaging.FormatTIFF:
		return "tiff"
	default:
		return "png32"
	}
}

func (s *ArcGISSource) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := s.BaseURL + path + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: u, Err: err}
	}
	if s.HostLimiter != nil {
		release, err := s.HostLimiter.Acquire(ctx, httpReq.URL.Host)
		if err != nil {
			return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: u, Err: err}
		}
		defer release()
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: u, Err: err}
		}
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: u, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: u, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: u, StatusCode: resp.StatusCode}
	}
	return body, nil
}

func (s *ArcGISSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	body, err := s.get(ctx, "/export", s.exportQuery(req))
	if err != nil {
		return nil, err
	}
	return imaging.Decode(req.Format, body, req.Bbox, req.SRS)
}

func (s *ArcGISSource) GetFeatureInfo(ctx context.Context, req FeatureInfoRequest) ([]byte, string, error) {
	q := url.Values{}
	q.Set("f", "json")
	q.Set("geometry", fmt.Sprintf("%f,%f", req.Bbox.Min[0]+float64(req.X)/float64(req.Width)*(req.Bbox.Max[0]-req.Bbox.Min[0]), req.Bbox.Max[1]-float64(req.Y)/float64(req.Height)*(req.Bbox.Max[1]-req.Bbox.Min[1])))
	q.Set("geometryType", "esriGeometryPoint")
	q.Set("sr", req.SRS.Code())
	q.Set("tolerance", "3")
	q.Set("mapExtent", fmt.Sprintf("%f,%f,%f,%f", req.Bbox.Min[0], req.Bbox.Min[1], req.Bbox.Max[0], req.Bbox.Max[1]))
	q.Set("imageDisplay", fmt.Sprintf("%d,%d,96", req.Width, req.Height))
	if s.Layers != "" {
		q.Set("layers", "visible:"+s.Layers)
	} else {
		q.Set("layers", "all")
	}
	body, err := s.get(ctx, "/identify", q)
	if err != nil {
		return nil, "", err
	}
	var parsed arcgisIdentifyResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		return body, "application/json", nil
	}
	out, _ := json.Marshal(parsed.Results)
	return out, "application/json", nil
}

func (s *ArcGISSource) Supports(target srs.SRS, format imaging.Format) bool {
	return format != imaging.FormatMixed
}
