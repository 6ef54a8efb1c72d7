// Package source implements the upstream producers a Layer composites,
// behind one small interface so the Tile Manager and Layer never care
// which kind of upstream backs a given entry.
package source

import (
	"context"

	"github.com/paulmach/orb"

	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// MapRequest describes one GetMap call: a bbox in a given SRS,
// rendered at w x h pixels.
type MapRequest struct {
	Bbox   orb.Bound
	SRS    srs.SRS
	Width  int
	Height int
	Format imaging.Format
	Layers []string // upstream layer names, for sources that multiplex (WMS, ArcGIS)
	Time   string   // optional dimension value (WMTS TIME, etc.)
}

// FeatureInfoRequest describes a GetFeatureInfo call: the same bbox
// geometry as the MapRequest it accompanies, plus a query pixel.
type FeatureInfoRequest struct {
	MapRequest
	X, Y int // query point, in pixel space of MapRequest
}

// Source is the contract every upstream producer implements:
// GetMap, GetLegend, GetFeatureInfo, Supports.
type Source interface {
	// GetMap renders req and returns the resulting image.
	GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error)

	// GetFeatureInfo returns raw feature info bytes (format is
	// upstream/source-specific: text/plain, GML, GeoJSON...).
	GetFeatureInfo(ctx context.Context, req FeatureInfoRequest) ([]byte, string, error)

	// GetLegend returns a legend graphic for layer at the given scale
	// denominator, or (nil, false, nil) if the source has none.
	GetLegend(ctx context.Context, layer string, scale float64) ([]byte, bool, error)

	// Supports reports whether this source can answer a request in
	// the given SRS/format combination without the caller reprojecting
	// or re-encoding first.
	Supports(s srs.SRS, format imaging.Format) bool
}

// FeatureInfoUnsupported is embedded by sources with no feature-info
// concept (Debug, Mapnik, Mapserver, BandMerge, Cache) so they satisfy Source without repeating the
// same stub method.
type FeatureInfoUnsupported struct{}

func (FeatureInfoUnsupported) GetFeatureInfo(ctx context.Context, req FeatureInfoRequest) ([]byte, string, error) {
	return nil, "", nil
}

// LegendUnsupported is the GetLegend analog of FeatureInfoUnsupported.
type LegendUnsupported struct{}

func (LegendUnsupported) GetLegend(ctx context.Context, layer string, scale float64) ([]byte, bool, error) {
	return nil, false, nil
}
