// Package cacheb implements the Tile Cache Backend contract: durable
// storage for rendered tiles keyed by (grid, layer, z, x, y, format),
// behind a small interface so the Tile Manager never depends on a
// concrete store.
package cacheb

import (
	"context"
	"fmt"

	"tileproxy/internal/grid"
)

// Key identifies one cached tile.
type Key struct {
	Layer  string
	Grid   string
	Coord  grid.Coord
	Format string
}

// String renders a Key the way log lines and lock fingerprints do;
// lock fingerprints are derived from the same tuple.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s.%s", k.Layer, k.Grid, k.Coord, k.Format)
}

// Capabilities reports what a Backend implementation can do beyond the
// baseline Load/Store/Remove, so the Tile Manager can pick cheaper
// paths (e.g. a single-color symlink optimization).
type Capabilities struct {
	SupportsLinkIdentical bool // can alias identical tiles instead of duplicating bytes
	SupportsBulk          bool // LoadMany/StoreMany avoid per-tile round trips
	ReadOnly              bool
}

// Backend is the Tile Cache Backend contract.
type Backend interface {
	// Load returns the stored bytes for key, or (nil, false, nil) on a
	// cache miss. A backend error is always wrapped in *errs.CacheError.
	Load(ctx context.Context, key Key) (data []byte, ok bool, err error)

	// Store writes data for key, replacing any existing entry.
	Store(ctx context.Context, key Key, data []byte) error

	// Remove deletes the entry for key, if any. Removing a missing key
	// is not an error.
	Remove(ctx context.Context, key Key) error

	// IsCached reports presence without reading the tile body, where
	// the backend can answer cheaper than a full Load (file stat,
	// SQL existence check).
	IsCached(ctx context.Context, key Key) (bool, error)

	// LoadMany batches Load for a meta-tile's constituent keys. The
	// default behavior (EachLoad) is call Load in sequence; the Redis
	// backend overrides it with a single MGET.
	LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error)

	Capabilities() Capabilities

	// Close releases backend resources (DB handles, connection pools).
	Close() error
}

// EachLoad implements LoadMany for backends with no bulk primitive.
func EachLoad(ctx context.Context, b Backend, keys []Key) (map[Key][]byte, error) {
	out := make(map[Key][]byte, len(keys))
	for _, k := range keys {
		data, ok, err := b.Load(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = data
		}
	}
	return out, nil
}
