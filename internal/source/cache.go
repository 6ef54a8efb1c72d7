package source

import (
	"context"

	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
	"tileproxy/internal/tilemgr"
)

// CacheSource adapts a *tilemgr.Manager into a Source, so one layer's
// finished cache can feed another layer as its own upstream -- a
// cascaded-cache arrangement (e.g. a low-zoom overview layer seeded
// from a high-zoom layer's own tile store).
type CacheSource struct {
	FeatureInfoUnsupported
	LegendUnsupported

	Manager *tilemgr.Manager
}

func NewCacheSource(mgr *tilemgr.Manager) *CacheSource {
	return &CacheSource{Manager: mgr}
}

func (s *CacheSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	return s.Manager.GetMap(ctx, req.Bbox, req.SRS, req.Width, req.Height)
}

func (s *CacheSource) Supports(target srs.SRS, format imaging.Format) bool {
	return target.Equal(s.Manager.Grid.SRS)
}
