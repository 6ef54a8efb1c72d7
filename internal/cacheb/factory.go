package cacheb

import (
	"net/http"

	"tileproxy/internal/errs"
)

// Config is the normalized per-cache configuration the config package
// produces from TOML; New dispatches on Type to build the matching
// Backend.
type Config struct {
	Type       string // file|mbtiles|sqlite|geopackage|redis|s3|azureblob|couchdb|arcgis|riak
	Directory  string
	FilePrefix string
	Layout     string // tc|tms|mp|arcgis|quadkey (file backend only)
	NumLevels  func(z int) int

	LinkIdentical bool

	RedisAddr string

	HTTPClient *http.Client
	Endpoint   string
	Bucket     string
	AuthHeader func(*http.Request)

	ArcGISVersion int
}

func New(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "file":
		return NewFileBackend(cfg.Directory, resolveLayout(cfg.Layout, cfg.NumLevels), cfg.LinkIdentical), nil
	case "mbtiles":
		return NewSQLiteBackend(cfg.Directory, cfg.FilePrefix, false, cfg.NumLevels), nil
	case "sqlite":
		return NewSQLiteBackend(cfg.Directory, cfg.FilePrefix, true, cfg.NumLevels), nil
	case "geopackage":
		return NewGeoPackageBackend(cfg.Directory, cfg.FilePrefix, cfg.NumLevels), nil
	case "redis":
		return NewRedisBackend(cfg.RedisAddr, cfg.FilePrefix+":", 16, 32), nil
	case "s3":
		return NewS3Backend(httpClient(cfg), cfg.Endpoint, cfg.Bucket, cfg.AuthHeader), nil
	case "azureblob":
		return NewAzureBlobBackend(httpClient(cfg), cfg.Endpoint, cfg.Bucket, cfg.AuthHeader), nil
	case "couchdb":
		return NewCouchDBBackend(httpClient(cfg), cfg.Endpoint, cfg.AuthHeader), nil
	case "arcgis":
		return NewArcGISCompactBackend(cfg.Directory, cfg.ArcGISVersion), nil
	case "riak":
		return NewRiakBackend()
	default:
		return nil, &errs.ConfigError{Field: "cache.type", Msg: "unknown cache type " + cfg.Type}
	}
}

func httpClient(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return http.DefaultClient
}

func resolveLayout(name string, numLevels func(z int) int) Layout {
	switch name {
	case "tms":
		return TMSLayout(numLevels)
	case "mp":
		return MPLayout
	case "arcgis":
		return ArcGISLayout
	case "quadkey":
		return QuadkeyLayout
	default:
		return TCLayout
	}
}
