package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tileproxy/internal/errs"
	"tileproxy/internal/hostlimit"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// WMSAuth selects how requests to the upstream WMS are authenticated.
type WMSAuth struct {
	BasicUser, BasicPass   string
	ClientCert, ClientKey  string // PEM file paths, for mutual TLS
	ExtraHeaders           map[string]string
}

// WMSSource talks to a standards-compliant WMS 1.1.1/1.3.0 endpoint.
// Query construction follows the flat key=value building nci-gsky's
// OWS client uses for its own upstream calls; the http.Transport is
// tuned with bounded idle conns and an idle-connection timeout (plus
// an overall client timeout), scoped per-source instead of
// process-global. Only HTTP basic auth is sent; there is no digest
// auth.
type WMSSource struct {
	BaseURL      string
	Version      string // "1.1.1" or "1.3.0"
	LayersParam  string // upstream LAYERS value, if fixed
	Transparent  bool
	client       *http.Client
	auth         WMSAuth

	// HostLimiter, if set, bounds concurrent in-flight requests to
	// this source's host independently of the Tile Manager's own
	// concurrency bound.
	HostLimiter *hostlimit.Registry
}

func NewWMSSource(baseURL, version string, auth WMSAuth, timeout time.Duration) *WMSSource {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if auth.ClientCert != "" && auth.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(auth.ClientCert, auth.ClientKey)
		if err == nil {
			transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return &WMSSource{
		BaseURL: baseURL,
		Version: version,
		auth:    auth,
		client:  &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (s *WMSSource) crsParamName() string {
	if s.Version == "1.3.0" {
		return "CRS"
	}
	return "SRS"
}

func (s *WMSSource) buildQuery(req MapRequest, wmsRequest string) url.Values {
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", s.Version)
	q.Set("REQUEST", wmsRequest)
	layers := strings.Join(req.Layers, ",")
	if s.LayersParam != "" {
		layers = s.LayersParam
	}
	q.Set("LAYERS", layers)
	q.Set("STYLES", "")
	q.Set(s.crsParamName(), req.SRS.Code())
	bbox := req.Bbox
	q.Set("BBOX", fmt.Sprintf("%f,%f,%f,%f", bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]))
	q.Set("WIDTH", strconv.Itoa(req.Width))
	q.Set("HEIGHT", strconv.Itoa(req.Height))
	q.Set("FORMAT", wmsMimeType(req.Format))
	if s.Transparent {
		q.Set("TRANSPARENT", "TRUE")
	}
	if req.Time != "" {
		q.Set("TIME", req.Time)
	}
	return q
}

func wmsMimeType(f imaging.Format) string {
	switch f {
	case imaging.FormatJPEG:
		return "image/jpeg"
	case imaging.FormatTIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

func (s *WMSSource) do(ctx context.Context, q url.Values) ([]byte, error) {
	u := s.BaseURL
	if strings.Contains(u, "?") {
		u += "&" + q.Encode()
	} else {
		u += "?" + q.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BaseURL, Err: err}
	}
	if s.auth.BasicUser != "" {
		httpReq.SetBasicAuth(s.auth.BasicUser, s.auth.BasicPass)
	}
	for k, v := range s.auth.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	if s.HostLimiter != nil {
		release, err := s.HostLimiter.Acquire(ctx, httpReq.URL.Host)
		if err != nil {
			return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: s.BaseURL, Err: err}
		}
		defer release()
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errs.SourceError{Kind: errs.SourceTimeout, Source: s.BaseURL, Err: err}
		}
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BaseURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BaseURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	return body, nil
}

func (s *WMSSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	q := s.buildQuery(req, "GetMap")
	body, err := s.do(ctx, q)
	if err != nil {
		return nil, err
	}
	format := req.Format
	if format == imaging.FormatMixed {
		format = imaging.FormatPNG
	}
	return imaging.Decode(format, body, req.Bbox, req.SRS)
}

func (s *WMSSource) GetFeatureInfo(ctx context.Context, req FeatureInfoRequest) ([]byte, string, error) {
	q := s.buildQuery(req.MapRequest, "GetFeatureInfo")
	q.Set("QUERY_LAYERS", q.Get("LAYERS"))
	q.Set("X", strconv.Itoa(req.X))
	q.Set("Y", strconv.Itoa(req.Y))
	q.Set("I", strconv.Itoa(req.X))
	q.Set("J", strconv.Itoa(req.Y))
	q.Set("INFO_FORMAT", "text/plain")
	body, err := s.do(ctx, q)
	if err != nil {
		return nil, "", err
	}
	return body, "text/plain", nil
}

func (s *WMSSource) GetLegend(ctx context.Context, layer string, scale float64) ([]byte, bool, error) {
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", s.Version)
	q.Set("REQUEST", "GetLegendGraphic")
	q.Set("LAYER", layer)
	q.Set("FORMAT", "image/png")
	body, err := s.do(ctx, q)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (s *WMSSource) Supports(target srs.SRS, format imaging.Format) bool {
	return true
}
