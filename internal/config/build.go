package config

import (
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb"

	"tileproxy/internal/cacheb"
	"tileproxy/internal/coverage"
	"tileproxy/internal/errs"
	"tileproxy/internal/grid"
	"tileproxy/internal/imaging"
	"tileproxy/internal/layer"
	"tileproxy/internal/locker"
	"tileproxy/internal/source"
	"tileproxy/internal/srs"
	"tileproxy/internal/tilemgr"
)

// Registry holds every object Build constructed from a Config, keyed
// by name. Grid, Coverage, Source, Cache and Layer are long-lived,
// process-wide, and immutable after configuration.
type Registry struct {
	Grids    map[string]*grid.Grid
	Caches   map[string]cacheb.Backend
	Sources  map[string]source.Source
	Layers   map[string]*layer.Layer
	Managers map[string]*tilemgr.Manager
	Locker   *locker.Locker
}

// Build wires a validated Config into live objects: grids and caches
// first (independent of each other), then layers in declaration order
// so a "cache" source's referenced layer is guaranteed already built
// by the time that source is constructed (the cache-as-source
// recursive case).
func Build(cfg *Config) (*Registry, error) {
	reg := &Registry{
		Grids:    map[string]*grid.Grid{},
		Caches:   map[string]cacheb.Backend{},
		Sources:  map[string]source.Source{},
		Layers:   map[string]*layer.Layer{},
		Managers: map[string]*tilemgr.Manager{},
		Locker:   locker.New(),
	}

	for _, gd := range cfg.Grids {
		g, err := buildGrid(gd)
		if err != nil {
			return nil, err
		}
		reg.Grids[gd.Name] = g
	}
	for _, gd := range cfg.Grids {
		if gd.AlignWith == "" {
			continue
		}
		other, ok := reg.Grids[gd.AlignWith]
		if !ok {
			return nil, &errs.ConfigError{Field: "grids." + gd.Name + ".align_resolutions_with", Msg: "unknown grid " + gd.AlignWith}
		}
		if err := reg.Grids[gd.Name].AlignResolutionsWith(other); err != nil {
			return nil, &errs.ConfigError{Field: "grids." + gd.Name + ".align_resolutions_with", Msg: err.Error()}
		}
	}

	for _, cd := range cfg.Caches {
		b, err := buildCache(cd)
		if err != nil {
			return nil, err
		}
		reg.Caches[cd.Name] = b
	}

	sourceDefs := map[string]SourceDef{}
	for _, sd := range cfg.Sources {
		sourceDefs[sd.Name] = sd
	}

	for _, ld := range cfg.Layers {
		g, ok := reg.Grids[ld.Grid]
		if !ok {
			return nil, &errs.ConfigError{Field: "layers." + ld.Name + ".grid", Msg: "unknown grid " + ld.Grid}
		}

		entries := make([]layer.Entry, 0, len(ld.Entries))
		for _, ed := range ld.Entries {
			sd, ok := sourceDefs[ed.Source]
			if !ok {
				return nil, &errs.ConfigError{Field: "layers." + ld.Name + ".entries", Msg: "unknown source " + ed.Source}
			}
			src, err := resolveSource(sd.Name, sourceDefs, reg, map[string]bool{})
			if err != nil {
				return nil, err
			}
			e := layer.Entry{Source: src, Opaque: ed.Opaque}
			if ed.CoverageGeoJSONFile != "" {
				cov, err := loadCoverage(ed.CoverageGeoJSONFile, g.SRS)
				if err != nil {
					return nil, &errs.ConfigError{Field: "layers." + ld.Name + ".entries." + ed.Source, Msg: err.Error()}
				}
				e.Coverage = &cov
			}
			entries = append(entries, e)
		}
		var cache cacheb.Backend
		if ld.Cache != "" {
			cache, ok = reg.Caches[ld.Cache]
			if !ok {
				return nil, &errs.ConfigError{Field: "layers." + ld.Name + ".cache", Msg: "unknown cache " + ld.Cache}
			}
		}

		onErr := parseOnSourceErrors(ld.OnSourceErrors)
		l := layer.New(ld.Name, entries, layer.OnSourceErrors(onErr), firstNonZero(ld.ConcurrentLayerRenderer, cfg.Globals.ConcurrentLayerRenderer))
		reg.Layers[ld.Name] = l

		var fileLock *locker.FileLock
		if cfg.Globals.TileLockDir != "" {
			fileLock = locker.NewFileLock(cfg.Globals.TileLockDir)
		}

		format := imaging.FormatPNG
		if ld.Format != "" {
			format = imaging.Format(ld.Format)
		}
		mgrCfg := tilemgr.Config{
			MetaWidth:              ld.MetaWidth,
			MetaHeight:             ld.MetaHeight,
			MetaBufferPx:           ld.MetaBufferPx,
			ConcurrentTileCreators: firstNonZero(ld.ConcurrentTileCreators, cfg.Globals.ConcurrentTileCreators),
			UseDirectFromLevel:     ld.UseDirectFromLevel,
			OnSourceErrors:         onErr,
			LinkSingleColorImages:  ld.LinkSingleColorImages,
			Seeding:                ld.Seeding,
			Filter:                 imaging.FilterBicubic,
			Format:                 format,
		}
		mgr := tilemgr.New(ld.Name, g, cache, l.Render, reg.Locker, fileLock, mgrCfg)
		reg.Managers[ld.Name] = mgr
	}

	return reg, nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func parseOnSourceErrors(s string) tilemgr.OnSourceErrors {
	switch s {
	case "notify":
		return tilemgr.OnErrorNotify
	case "ignore":
		return tilemgr.OnErrorIgnore
	default:
		return tilemgr.OnErrorRaise
	}
}

func buildGrid(gd GridDef) (*grid.Grid, error) {
	s, err := srs.New(gd.SRS, srs.AxisXY, false)
	if err != nil {
		return nil, &errs.ConfigError{Field: "grids." + gd.Name + ".srs", Msg: err.Error()}
	}
	origin := grid.OriginNW
	if gd.Origin == "sw" {
		origin = grid.OriginSW
	}
	g, err := grid.New(grid.Config{
		Name:          gd.Name,
		SRS:           s,
		Bbox:          bboxFromArray(gd.Bbox),
		Res:           gd.Res,
		ResFactor:     grid.ResFactor{Numeric: gd.ResFactor},
		MinRes:        gd.MinRes,
		MaxRes:        gd.MaxRes,
		NumLevels:     gd.NumLevels,
		TileWidth:     gd.TileWidth,
		TileHeight:    gd.TileHeight,
		Origin:        origin,
		StretchFactor: gd.StretchFactor,
	})
	if err != nil {
		return nil, &errs.ConfigError{Field: "grids." + gd.Name, Msg: err.Error()}
	}
	return g, nil
}

func bboxFromArray(b [4]float64) orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

func buildCache(cd CacheDef) (cacheb.Backend, error) {
	b, err := cacheb.New(cacheb.Config{
		Type:          cd.Type,
		Directory:     cd.Directory,
		FilePrefix:    cd.FilePrefix,
		Layout:        cd.Layout,
		LinkIdentical: cd.LinkIdentical,
		RedisAddr:     cd.RedisAddr,
		Endpoint:      cd.Endpoint,
		Bucket:        cd.Bucket,
		ArcGISVersion: cd.ArcGISVersion,
	})
	if err != nil {
		return nil, &errs.ConfigError{Field: "caches." + cd.Name, Msg: err.Error()}
	}
	return b, nil
}

// resolveSource builds (or returns the already-built) source named
// name, recursively resolving bandmerge sub-sources regardless of
// their declaration order in [[sources]] -- only "cache" sources are
// order-sensitive, since they need their referenced layer's Manager,
// which only exists once that layer has been processed in the
// [[layers]] list (see Build).
func resolveSource(name string, defs map[string]SourceDef, reg *Registry, building map[string]bool) (source.Source, error) {
	if existing, ok := reg.Sources[name]; ok {
		return existing, nil
	}
	sd, ok := defs[name]
	if !ok {
		return nil, &errs.ConfigError{Field: "sources", Msg: "unknown source " + name}
	}
	if building[name] {
		return nil, &errs.ConfigError{Field: "sources." + name, Msg: "cyclic source reference"}
	}
	building[name] = true

	timeout := time.Duration(sd.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var src source.Source
	switch sd.Type {
	case "wms":
		s := source.NewWMSSource(sd.BaseURL, defaultStr(sd.Version, "1.3.0"), source.WMSAuth{}, timeout)
		s.Transparent = sd.Transparent
		src = s
	case "tile":
		g, ok := reg.Grids[sd.Grid]
		if !ok {
			return nil, &errs.ConfigError{Field: "sources." + sd.Name + ".grid", Msg: "unknown grid " + sd.Grid}
		}
		src = source.NewTileSource(sd.URLTemplate, sd.Retina, g, timeout)
	case "mapserver":
		src = source.NewMapserverSource(sd.BinPath, sd.MapFile)
	case "arcgis":
		src = source.NewArcGISSource(sd.BaseURL, sd.Layers, timeout)
	case "debug":
		s, err := srs.New(sd.SRS, srs.AxisXY, false)
		if err != nil {
			s = srs.WGS84
		}
		src = source.NewDebugSource(s)
	case "bandmerge":
		subs := make([]source.Source, 0, len(sd.SourceRefs))
		for _, ref := range sd.SourceRefs {
			sub, err := resolveSource(ref, defs, reg, building)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		bm, err := source.NewBandMergeSource(subs, sd.Channels)
		if err != nil {
			return nil, &errs.ConfigError{Field: "sources." + sd.Name, Msg: err.Error()}
		}
		src = bm
	case "cache":
		mgr, ok := reg.Managers[sd.LayerRef]
		if !ok {
			return nil, &errs.ConfigError{Field: "sources." + sd.Name + ".layer", Msg: "layer " + sd.LayerRef + " is not built yet -- declare it before any layer that uses this source"}
		}
		src = source.NewCacheSource(mgr)
	default:
		return nil, &errs.ConfigError{Field: "sources." + sd.Name + ".type", Msg: "unknown source type " + sd.Type}
	}

	reg.Sources[name] = src
	return src, nil
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func loadCoverage(path string, s srs.SRS) (coverage.Coverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return coverage.Coverage{}, fmt.Errorf("reading coverage file %s: %w", path, err)
	}
	return coverage.FromGeoJSON(s, data)
}
