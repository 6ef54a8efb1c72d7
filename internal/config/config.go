// Package config is the typed normalized configuration document:
// Grids, Caches, Sources and Layers loaded from TOML with
// github.com/spf13/viper, then validated for cross-field invariants
// with github.com/go-playground/validator/v10 before anything in the
// engine ever sees it. The normalized Config is immutable once
// returned from Load -- no package-level mutable globals.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"tileproxy/internal/errs"
)

// GridDef is one named grid.
type GridDef struct {
	Name          string    `mapstructure:"name" validate:"required"`
	SRS           string    `mapstructure:"srs" validate:"required"`
	Bbox          [4]float64 `mapstructure:"bbox" validate:"required"`
	Res           []float64 `mapstructure:"res"`
	ResFactor     float64   `mapstructure:"res_factor"`
	MinRes        float64   `mapstructure:"min_res"`
	MaxRes        float64   `mapstructure:"max_res"`
	NumLevels     int       `mapstructure:"num_levels"`
	TileWidth     int       `mapstructure:"tile_width"`
	TileHeight    int       `mapstructure:"tile_height"`
	Origin        string    `mapstructure:"origin" validate:"omitempty,oneof=nw sw"`
	StretchFactor float64   `mapstructure:"stretch_factor"`
	AlignWith     string    `mapstructure:"align_resolutions_with"`
}

// CacheDef is one named cache backend.
type CacheDef struct {
	Name          string `mapstructure:"name" validate:"required"`
	Type          string `mapstructure:"type" validate:"required,oneof=file mbtiles sqlite geopackage redis s3 azureblob couchdb arcgis riak"`
	Directory     string `mapstructure:"directory"`
	FilePrefix    string `mapstructure:"file_prefix"`
	Layout        string `mapstructure:"layout" validate:"omitempty,oneof=tc tms mp arcgis quadkey"`
	LinkIdentical bool   `mapstructure:"link_single_color_images"`
	RedisAddr     string `mapstructure:"redis_addr"`
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	ArcGISVersion int    `mapstructure:"arcgis_version"`
}

// SourceDef is one named upstream source. Only the fields
// relevant to Type are read; the rest are ignored.
type SourceDef struct {
	Name           string `mapstructure:"name" validate:"required"`
	Type           string `mapstructure:"type" validate:"required,oneof=wms tile mapserver arcgis debug bandmerge cache"`
	BaseURL        string `mapstructure:"base_url"`
	Version        string `mapstructure:"version"`
	Transparent    bool   `mapstructure:"transparent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	URLTemplate    string `mapstructure:"url_template"`
	Retina         bool   `mapstructure:"retina"`
	Grid           string `mapstructure:"grid"`
	BinPath        string `mapstructure:"bin_path"`
	MapFile        string `mapstructure:"map_file"`
	Layers         string `mapstructure:"layers"`
	SRS            string `mapstructure:"srs"` // debug source: the SRS it advertises
	SourceRefs     []string `mapstructure:"sources"`
	Channels       []int    `mapstructure:"channels"`
	LayerRef       string   `mapstructure:"layer"`
}

// LayerEntryDef is one (source, coverage?, opaque?) stack entry.
type LayerEntryDef struct {
	Source              string `mapstructure:"source" validate:"required"`
	CoverageGeoJSONFile string `mapstructure:"coverage_geojson_file"`
	Opaque              bool   `mapstructure:"opaque"`
}

// LayerDef is one named, user-facing layer.
type LayerDef struct {
	Name                    string          `mapstructure:"name" validate:"required"`
	Grid                    string          `mapstructure:"grid" validate:"required"`
	Cache                   string          `mapstructure:"cache"`
	Entries                 []LayerEntryDef `mapstructure:"entries" validate:"required,min=1,dive"`
	MetaWidth               int             `mapstructure:"meta_width"`
	MetaHeight              int             `mapstructure:"meta_height"`
	MetaBufferPx            int             `mapstructure:"meta_buffer_px"`
	ConcurrentTileCreators  int             `mapstructure:"concurrent_tile_creators"`
	ConcurrentLayerRenderer int             `mapstructure:"concurrent_layer_renderer"`
	UseDirectFromLevel      int             `mapstructure:"use_direct_from_level"`
	OnSourceErrors          string          `mapstructure:"on_source_errors" validate:"omitempty,oneof=raise notify ignore"`
	Seeding                 bool            `mapstructure:"seeding"`
	Format                  string          `mapstructure:"format" validate:"omitempty,oneof=png jpeg tiff mixed"`
	LinkSingleColorImages   bool            `mapstructure:"link_single_color_images"`
}

// Globals holds process-wide defaults applied when a Layer or Source
// doesn't set its own value.
type Globals struct {
	TileLockDir             string `mapstructure:"tile_lock_dir"`
	ConcurrentTileCreators  int    `mapstructure:"concurrent_tile_creators"`
	ConcurrentLayerRenderer int    `mapstructure:"concurrent_layer_renderer"`
	ListenAddr              string `mapstructure:"listen_addr"`
}

// Config is the full normalized document.
type Config struct {
	Globals Globals     `mapstructure:"globals"`
	Grids   []GridDef   `mapstructure:"grids" validate:"dive"`
	Caches  []CacheDef  `mapstructure:"caches" validate:"dive"`
	Sources []SourceDef `mapstructure:"sources" validate:"dive"`
	Layers  []LayerDef  `mapstructure:"layers" validate:"required,min=1,dive"`
}

// Load reads and normalizes path (TOML) into a Config, then validates
// its cross-field invariants.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, &errs.ConfigError{Field: "file", Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}

	v.SetDefault("globals.concurrent_tile_creators", 4)
	v.SetDefault("globals.concurrent_layer_renderer", 4)
	v.SetDefault("globals.tile_lock_dir", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errs.ConfigError{Field: "file", Msg: fmt.Sprintf("unmarshal %s: %v", path, err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants validator's struct tags alone
// can't express: a strictly decreasing resolution ladder, and
// referential integrity between sections (the oneof tags on Type
// fields above already cover "recognized cache type").
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return &errs.ConfigError{Field: "", Msg: err.Error()}
	}

	grids := map[string]bool{}
	for _, g := range cfg.Grids {
		if grids[g.Name] {
			return &errs.ConfigError{Field: "grids", Msg: "duplicate grid name " + g.Name}
		}
		grids[g.Name] = true
		if err := validateResLadder(g.Res); err != nil {
			return &errs.ConfigError{Field: "grids." + g.Name + ".res", Msg: err.Error()}
		}
	}
	caches := map[string]bool{}
	for _, c := range cfg.Caches {
		caches[c.Name] = true
	}
	// Layer names are collected before sources are validated so a
	// "cache" source's layer_ref can point at any layer regardless of
	// declaration order between the [[sources]] and [[layers]] blocks
	// -- only the layers list itself is order-sensitive (a cache
	// source's layer must be built before it, see Build).
	layers := map[string]bool{}
	for _, l := range cfg.Layers {
		if layers[l.Name] {
			return &errs.ConfigError{Field: "layers", Msg: "duplicate layer name " + l.Name}
		}
		layers[l.Name] = true
	}
	sources := map[string]bool{}
	for _, s := range cfg.Sources {
		if sources[s.Name] {
			return &errs.ConfigError{Field: "sources", Msg: "duplicate source name " + s.Name}
		}
		sources[s.Name] = true
		if s.Type == "tile" && !grids[s.Grid] {
			return &errs.ConfigError{Field: "sources." + s.Name + ".grid", Msg: "unknown grid " + s.Grid}
		}
		if s.Type == "bandmerge" && len(s.SourceRefs) != len(s.Channels) {
			return &errs.ConfigError{Field: "sources." + s.Name, Msg: "sources and channels length mismatch"}
		}
		if s.Type == "cache" && !layers[s.LayerRef] {
			return &errs.ConfigError{Field: "sources." + s.Name + ".layer", Msg: "unknown layer " + s.LayerRef}
		}
	}
	for _, l := range cfg.Layers {
		if !grids[l.Grid] {
			return &errs.ConfigError{Field: "layers." + l.Name + ".grid", Msg: "unknown grid " + l.Grid}
		}
		if l.Cache != "" && !caches[l.Cache] {
			return &errs.ConfigError{Field: "layers." + l.Name + ".cache", Msg: "unknown cache " + l.Cache}
		}
		for _, e := range l.Entries {
			if !sources[e.Source] {
				return &errs.ConfigError{Field: "layers." + l.Name + ".entries", Msg: "unknown source " + e.Source}
			}
		}
	}
	return nil
}

func validateResLadder(res []float64) error {
	for i := 1; i < len(res); i++ {
		if res[i] >= res[i-1] {
			return fmt.Errorf("resolution ladder must be strictly decreasing at index %d", i)
		}
	}
	return nil
}
