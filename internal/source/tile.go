package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tileproxy/internal/errs"
	"tileproxy/internal/grid"
	"tileproxy/internal/hostlimit"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// TileSource fetches pre-cut tiles from a URL template, substituting
// %(x)s/%(y)s/%(z)s/%(quadkey)s placeholders plus an optional @2x
// retina suffix.
type TileSource struct {
	URLTemplate string
	Retina      bool
	Grid        *grid.Grid
	client      *http.Client

	// HostLimiter, if set, bounds concurrent in-flight requests to this
	// source's host independently of the Tile Manager's own bound.
	HostLimiter *hostlimit.Registry
}

func NewTileSource(urlTemplate string, retina bool, g *grid.Grid, timeout time.Duration) *TileSource {
	return &TileSource{
		URLTemplate: urlTemplate,
		Retina:      retina,
		Grid:        g,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *TileSource) resolveURL(c grid.Coord) string {
	u := s.URLTemplate
	u = strings.ReplaceAll(u, "%(x)s", strconv.Itoa(c.X))
	u = strings.ReplaceAll(u, "%(y)s", strconv.Itoa(c.Y))
	u = strings.ReplaceAll(u, "%(z)s", strconv.Itoa(c.Z))
	u = strings.ReplaceAll(u, "%(quadkey)s", quadkey(c))
	if s.Retina {
		u = strings.ReplaceAll(u, "%(retina)s", "@2x")
	} else {
		u = strings.ReplaceAll(u, "%(retina)s", "")
	}
	return u
}

func quadkey(c grid.Coord) string {
	out := make([]byte, c.Z)
	for i := c.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if c.X&mask != 0 {
			digit++
		}
		if c.Y&mask != 0 {
			digit += 2
		}
		out[c.Z-i] = digit
	}
	return string(out)
}

// coordForRequest maps a MapRequest's bbox back onto the source's own
// grid to find the single tile covering it exactly -- used when the
// Tile Manager has already aligned its request to this source's grid.
func (s *TileSource) coordForRequest(req MapRequest) (grid.Coord, bool) {
	level := s.Grid.LevelForRes((req.Bbox.Max[0] - req.Bbox.Min[0]) / float64(req.Width))
	coords, err := s.Grid.TilesForBBox(req.Bbox, level)
	if err != nil || len(coords) != 1 {
		return grid.Coord{}, false
	}
	return coords[0], true
}

func (s *TileSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	c, ok := s.coordForRequest(req)
	if !ok {
		return nil, &errs.SourceError{Kind: errs.SourceUnsupportedFormat, Source: s.URLTemplate, Err: fmt.Errorf("request does not align to a single source tile")}
	}
	u := s.resolveURL(c)
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
	return imaging.Decode(req.Format, body, req.Bbox, req.SRS)
}

func (s *TileSource) GetLegend(ctx context.Context, layer string, scale float64) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *TileSource) GetFeatureInfo(ctx context.Context, req FeatureInfoRequest) ([]byte, string, error) {
	return nil, "", nil
}

func (s *TileSource) Supports(target srs.SRS, format imaging.Format) bool {
	return s.Grid != nil && target.Equal(s.Grid.SRS)
}
