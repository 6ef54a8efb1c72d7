package cacheb

import "tileproxy/internal/errs"

// NewRiakBackend exists only so config validation has a defined
// behavior for the deprecated "riak" cache type: constructing one
// always fails, pointing the operator at the supported replacements.
func NewRiakBackend() (Backend, error) {
	return nil, &errs.ConfigError{
		Field: "cache.type",
		Msg:   "riak is deprecated and no longer implemented; use redis or couchdb instead",
	}
}
