// Package tilemgr implements the Tile Manager scheduler: given a
// request against one grid/cache pairing, it consults the cache,
// groups misses into meta-tiles, coalesces concurrent builders onto a
// single fetch per meta-tile, dispatches to whatever produces imagery
// for a meta-bbox, splits the result back into tiles, stores them, and
// assembles the requested image.
//
// The scheduling shape is a worker-bounded fan-out over a channel of
// tile coordinates with a retry loop and a save pipeline, the same way
// a bounded download pool works, but it replaces "download one tile
// from one fixed URL" with "render one meta-tile from an injected
// renderer, coalesced across an in-process lock and an optional
// cross-process file lock" to guarantee at-most-one-upstream-call
// semantics a plain worker pool does not provide on its own.
package tilemgr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tileproxy/internal/cacheb"
	"tileproxy/internal/errs"
	"tileproxy/internal/grid"
	"tileproxy/internal/imaging"
	"tileproxy/internal/locker"
	"tileproxy/internal/srs"
)

// RenderFunc produces a raster covering bbox (in the manager's grid
// SRS) at w x h pixels. The caller (ordinarily a Layer, composing its
// ordered source stack) is responsible for fanning out to sources and
// merging their results; the Manager only knows it needs "the image
// for this meta-bbox".
type RenderFunc func(ctx context.Context, bbox orb.Bound, s srs.SRS, w, h int) (*imaging.Image, error)

// OnSourceErrors selects what happens when RenderFunc fails for a
// meta-tile.
type OnSourceErrors int

const (
	OnErrorRaise OnSourceErrors = iota
	OnErrorNotify
	OnErrorIgnore
)

// Config holds the per-layer tuning knobs.
type Config struct {
	MetaWidth, MetaHeight  int // meta_size: [m_x, m_y], in tiles; default 1x1 disables meta-tiling
	MetaBufferPx           int
	ConcurrentTileCreators int           // bounds in-flight meta-tile builds
	UseDirectFromLevel     int           // -1 disables the direct path; level >= this skips the cache entirely
	RefreshBefore          time.Duration // stored only; the Manager never refreshes stale tiles
	RefreshWhileServing    bool          // stored only; the Manager never refreshes stale tiles
	OnSourceErrors         OnSourceErrors
	LinkSingleColorImages  bool
	Seeding                bool // selects N=100 retries instead of N=2
	StretchFactor          float64
	Filter                 imaging.Filter
	Format                 imaging.Format // cache storage format for this manager's tiles
	EncodeOpts             imaging.EncodeOptions
}

func (c Config) metaWH() (int, int) {
	mw, mh := c.MetaWidth, c.MetaHeight
	if mw < 1 {
		mw = 1
	}
	if mh < 1 {
		mh = 1
	}
	return mw, mh
}

// Manager schedules tile production for one (grid, cache) pairing.
// LayerName identifies the manager in fingerprints and cache keys so
// the same grid/cache backend can be shared across layers without
// fingerprint collisions.
type Manager struct {
	LayerName string
	Grid      *grid.Grid
	Cache     cacheb.Backend // nil disables caching: every request takes the direct path
	Render    RenderFunc
	Locker    *locker.Locker
	FileLock  *locker.FileLock // nil disables the cross-process scope
	Config    Config

	sem *semaphore.Weighted
}

// New builds a Manager. locker and cfg must be non-nil/non-zero;
// fileLock may be nil to use only the in-process scope.
func New(layerName string, g *grid.Grid, cache cacheb.Backend, render RenderFunc, lk *locker.Locker, fileLock *locker.FileLock, cfg Config) *Manager {
	n := int64(cfg.ConcurrentTileCreators)
	if n < 1 {
		n = 4
	}
	return &Manager{
		LayerName: layerName,
		Grid:      g,
		Cache:     cache,
		Render:    render,
		Locker:    lk,
		FileLock:  fileLock,
		Config:    cfg,
		sem:       semaphore.NewWeighted(n),
	}
}

// GetMap runs the full Tile Manager algorithm for one request against
// m's grid, returning a raster at w x h pixels covering bbox in
// reqSRS, in the caller's requested format.
func (m *Manager) GetMap(ctx context.Context, bbox orb.Bound, reqSRS srs.SRS, w, h int) (*imaging.Image, error) {
	res := (bbox.Max[0] - bbox.Min[0]) / float64(w)
	level := m.Grid.LevelForRes(res)

	if m.Cache == nil || (m.Config.UseDirectFromLevel >= 0 && level >= m.Config.UseDirectFromLevel) {
		return m.renderWithRetries(ctx, bbox, reqSRS, w, h)
	}

	coords, err := m.Grid.TilesForBBox(bbox, level)
	if err != nil {
		return nil, fmt.Errorf("tilemgr: enumerate tiles: %w", err)
	}
	if len(coords) == 0 {
		return imaging.New(w, h, bbox, reqSRS), nil
	}

	tiles, err := m.resolveTiles(ctx, level, coords)
	if err != nil {
		return nil, err
	}
	return m.assemble(tiles, coords, level, bbox, reqSRS, w, h)
}

// tileImage pairs a decoded tile with its coordinate for assembly.
type tileImage struct {
	coord grid.Coord
	img   *imaging.Image
}

// resolveTiles returns one image per coordinate in coords, built from
// cache hits and newly-rendered meta-tiles.
func (m *Manager) resolveTiles(ctx context.Context, level int, coords []grid.Coord) ([]tileImage, error) {
	keys := make([]cacheb.Key, len(coords))
	keyOf := make(map[grid.Coord]cacheb.Key, len(coords))
	for i, c := range coords {
		k := cacheb.Key{Layer: m.LayerName, Grid: m.Grid.Name, Coord: c, Format: string(m.Config.Format)}
		keys[i] = k
		keyOf[c] = k
	}
	hits, err := m.Cache.LoadMany(ctx, keys)
	if err != nil {
		var ce *errs.CacheError
		if !errors.As(err, &ce) {
			return nil, fmt.Errorf("tilemgr: cache lookup: %w", err)
		}
		hits = nil // a cache read error makes every tile a miss
	}

	out := make([]tileImage, len(coords))
	var misses []grid.Coord
	missIdx := map[grid.Coord]int{}
	for i, c := range coords {
		if data, ok := hits[keyOf[c]]; ok {
			img, decErr := m.decodeTile(data, c)
			if decErr == nil {
				out[i] = tileImage{coord: c, img: img}
				continue
			}
		}
		missIdx[c] = i
		misses = append(misses, c)
	}
	if len(misses) == 0 {
		return out, nil
	}

	built, err := m.buildMissingMetaTiles(ctx, level, misses)
	if err != nil {
		return nil, err
	}
	for c, img := range built {
		if i, ok := missIdx[c]; ok {
			out[i] = tileImage{coord: c, img: img}
		}
	}
	return out, nil
}

func (m *Manager) decodeTile(data []byte, c grid.Coord) (*imaging.Image, error) {
	b, err := m.Grid.TileBBox(c)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(m.Config.Format, data, b, m.Grid.SRS)
}

// metaKey identifies one meta-tile group, deterministic:
// meta_x = floor(x/m_x), meta_y = floor(y/m_y).
type metaKey struct {
	Z, MX, MY int
}

func (m *Manager) metaKeyFor(c grid.Coord) metaKey {
	mw, mh := m.Config.metaWH()
	return metaKey{Z: c.Z, MX: floorDiv(c.X, mw), MY: floorDiv(c.Y, mh)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (k metaKey) fingerprint(layer, gridName string) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", layer, gridName, k.Z, k.MX, k.MY)
}

// buildMissingMetaTiles groups misses into meta-tiles (deduplicating
// by meta-key, since several concurrent calls covering the same
// meta-tile all fold onto one build) and fans the builds out with
// bounded concurrency.
func (m *Manager) buildMissingMetaTiles(ctx context.Context, level int, misses []grid.Coord) (map[grid.Coord]*imaging.Image, error) {
	seen := map[metaKey]bool{}
	var keys []metaKey
	for _, c := range misses {
		k := m.metaKeyFor(c)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	results := make(map[grid.Coord]*imaging.Image, len(misses))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, k := range keys {
		k := k
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer m.sem.Release(1)
			built, err := m.buildOneMetaTile(gctx, k)
			if err != nil {
				if m.Config.OnSourceErrors == OnErrorRaise {
					return err
				}
				return nil // notify/ignore: leave these coords absent, assemble() fills blank
			}
			mu.Lock()
			for c, img := range built {
				results[c] = img
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// blockCoords enumerates every in-range tile belonging to meta-tile k
// -- the full m_x x m_y block, independent of which of those tiles any
// particular caller actually asked for: the whole block is rendered
// and stored together.
func (m *Manager) blockCoords(k metaKey) []grid.Coord {
	mw, mh := m.Config.metaWH()
	baseX, baseY := k.MX*mw, k.MY*mh
	out := make([]grid.Coord, 0, mw*mh)
	for dy := 0; dy < mh; dy++ {
		for dx := 0; dx < mw; dx++ {
			c := grid.Coord{Z: k.Z, X: baseX + dx, Y: baseY + dy}
			if _, err := m.Grid.TileBBox(c); err != nil {
				continue // out of grid range at a pyramid edge
			}
			out = append(out, c)
		}
	}
	return out
}

// buildOneMetaTile locks, re-checks the cache, renders, splits, and
// stores. Every caller racing on the same meta-key shares this single
// build via m.Locker, and all of them receive results for the whole
// block, not just their own tile.
func (m *Manager) buildOneMetaTile(ctx context.Context, k metaKey) (map[grid.Coord]*imaging.Image, error) {
	fp := k.fingerprint(m.LayerName, m.Grid.Name)
	members := m.blockCoords(k)

	build := func() (any, error) {
		if fileHandle, err := m.acquireFileLock(fp); err != nil {
			return nil, err
		} else if fileHandle != nil {
			defer fileHandle.Release()
		}

		if recheck, ok := m.recheckCache(ctx, members); ok {
			return recheck, nil
		}

		metaBbox, pw, ph, err := m.metaBBoxAndSize(k)
		if err != nil {
			return nil, err
		}
		rendered, err := m.renderWithRetries(ctx, metaBbox, m.Grid.SRS, pw, ph)
		if err != nil {
			return nil, err
		}
		return m.splitAndStore(ctx, rendered, metaBbox, members)
	}

	v, err := m.Locker.DoCtx(ctx, fp, build)
	if err != nil {
		return nil, err
	}
	return v.(map[grid.Coord]*imaging.Image), nil
}

func (m *Manager) acquireFileLock(fp string) (*locker.Handle, error) {
	if m.FileLock == nil {
		return nil, nil
	}
	return m.FileLock.Acquire(fp, 30*time.Second)
}

// recheckCache re-reads the cache for members after winning the lock:
// another worker may have just filled them.
func (m *Manager) recheckCache(ctx context.Context, members []grid.Coord) (map[grid.Coord]*imaging.Image, bool) {
	keys := make([]cacheb.Key, len(members))
	for i, c := range members {
		keys[i] = cacheb.Key{Layer: m.LayerName, Grid: m.Grid.Name, Coord: c, Format: string(m.Config.Format)}
	}
	hits, err := m.Cache.LoadMany(ctx, keys)
	if err != nil || len(hits) != len(members) {
		return nil, false
	}
	out := make(map[grid.Coord]*imaging.Image, len(members))
	for i, c := range members {
		img, err := m.decodeTile(hits[keys[i]], c)
		if err != nil {
			return nil, false
		}
		out[c] = img
	}
	return out, true
}

// metaBBoxAndSize computes the meta-bbox for members (union of their
// tile bboxes, grown by meta_buffer pixels, clipped to the grid bbox)
// and the pixel size to render it at.
func (m *Manager) metaBBoxAndSize(k metaKey) (orb.Bound, int, int, error) {
	mw, mh := m.Config.metaWH()
	baseX, baseY := k.MX*mw, k.MY*mh

	var union orb.Bound
	first := true
	for dy := 0; dy < mh; dy++ {
		for dx := 0; dx < mw; dx++ {
			// The meta-bbox spans the whole m_x x m_y block, not just
			// the tiles that were actually misses.
			c := grid.Coord{Z: k.Z, X: baseX + dx, Y: baseY + dy}
			b, err := m.Grid.TileBBox(c)
			if err != nil {
				continue // out-of-range tile at a pyramid edge: skip, union still covers the in-range members
			}
			if first {
				union, first = b, false
			} else {
				union = union.Union(b)
			}
		}
	}
	if first {
		return orb.Bound{}, 0, 0, fmt.Errorf("tilemgr: meta-tile %v has no in-range tiles", k)
	}

	res, err := m.Grid.Resolution(k.Z)
	if err != nil {
		return orb.Bound{}, 0, 0, err
	}
	bufUnits := float64(m.Config.MetaBufferPx) * res
	grown := orb.Bound{
		Min: orb.Point{union.Min[0] - bufUnits, union.Min[1] - bufUnits},
		Max: orb.Point{union.Max[0] + bufUnits, union.Max[1] + bufUnits},
	}
	clipped := clip.Bound(grown, m.Grid.Bbox)

	pw := int(math.Round((clipped.Max[0] - clipped.Min[0]) / res))
	ph := int(math.Round((clipped.Max[1] - clipped.Min[1]) / res))
	if pw < 1 {
		pw = 1
	}
	if ph < 1 {
		ph = 1
	}
	return clipped, pw, ph, nil
}

// splitAndStore crops rendered (covering metaBbox) into one sub-image
// per member tile and stores each.
func (m *Manager) splitAndStore(ctx context.Context, rendered *imaging.Image, metaBbox orb.Bound, members []grid.Coord) (map[grid.Coord]*imaging.Image, error) {
	res, err := m.Grid.Resolution(members[0].Z)
	if err != nil {
		return nil, err
	}
	out := make(map[grid.Coord]*imaging.Image, len(members))
	for _, c := range members {
		tileBbox, err := m.Grid.TileBBox(c)
		if err != nil {
			continue
		}
		px := int(math.Round((tileBbox.Min[0] - metaBbox.Min[0]) / res))
		py := int(math.Round((metaBbox.Max[1] - tileBbox.Max[1]) / res))
		rect := image.Rect(px, py, px+m.Grid.TileWidth, py+m.Grid.TileHeight)
		sub := cropImage(rendered, rect, tileBbox)
		out[c] = sub

		data, _, encErr := imaging.Encode(sub, m.Config.Format, m.Config.EncodeOpts)
		if encErr != nil {
			continue // an encode failure here loses one cache write, not the in-memory tile already in out
		}
		key := cacheb.Key{Layer: m.LayerName, Grid: m.Grid.Name, Coord: c, Format: string(m.Config.Format)}
		if sub.IsEmpty() && !m.Config.LinkSingleColorImages {
			continue // store the empty marker only when link_single_color_images is on; otherwise leave as a miss
		}
		if storeErr := m.Cache.Store(ctx, key, data); storeErr != nil {
			var ce *errs.CacheError
			if !errors.As(storeErr, &ce) {
				return nil, storeErr
			}
			// CacheError on write is swallowed; the caller still gets
			// the freshly rendered tile regardless.
		}
	}
	return out, nil
}

func cropImage(src *imaging.Image, rect image.Rectangle, bbox orb.Bound) *imaging.Image {
	out := imaging.New(rect.Dx(), rect.Dy(), bbox, src.SRS)
	b := rect.Intersect(src.Pix.Bounds())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Pix.SetRGBA(x-rect.Min.X, y-rect.Min.Y, src.Pix.RGBAAt(x, y))
		}
	}
	return out
}

// assemble composes hits and newly-built tiles into the final
// requested image.
func (m *Manager) assemble(tiles []tileImage, coords []grid.Coord, level int, bbox orb.Bound, reqSRS srs.SRS, w, h int) (*imaging.Image, error) {
	var mosaicBbox orb.Bound
	first := true
	for _, c := range coords {
		b, err := m.Grid.TileBBox(c)
		if err != nil {
			continue
		}
		if first {
			mosaicBbox, first = b, false
		} else {
			mosaicBbox = mosaicBbox.Union(b)
		}
	}
	if first {
		return imaging.New(w, h, bbox, reqSRS), nil
	}

	res, err := m.Grid.Resolution(level)
	if err != nil {
		return nil, err
	}
	mw := int(math.Round((mosaicBbox.Max[0] - mosaicBbox.Min[0]) / res))
	mh := int(math.Round((mosaicBbox.Max[1] - mosaicBbox.Min[1]) / res))
	mosaic := imaging.New(mw, mh, mosaicBbox, m.Grid.SRS)

	for _, t := range tiles {
		if t.img == nil {
			continue
		}
		tb, err := m.Grid.TileBBox(t.coord)
		if err != nil {
			continue
		}
		px := int(math.Round((tb.Min[0] - mosaicBbox.Min[0]) / res))
		py := int(math.Round((mosaicBbox.Max[1] - tb.Max[1]) / res))
		pasteInto(mosaic, t.img, px, py)
	}

	if reqSRS.Equal(m.Grid.SRS) && mw == w && mh == h {
		return mosaic, nil
	}
	return imaging.Reproject(mosaic, bbox, reqSRS, w, h, m.Config.Filter)
}

func pasteInto(dst, src *imaging.Image, x0, y0 int) {
	b := src.Pix.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		dy := y0 + (y - b.Min.Y)
		if dy < 0 || dy >= dst.Pix.Bounds().Dy() {
			continue
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			dx := x0 + (x - b.Min.X)
			if dx < 0 || dx >= dst.Pix.Bounds().Dx() {
				continue
			}
			dst.Pix.SetRGBA(dx, dy, src.Pix.RGBAAt(x, y))
		}
	}
}

// renderWithRetries wraps Render with a retry policy: up to N=100
// retries after the first attempt while seeding, N=2 while serving
// live; WMS 4xx is terminal (also when it is one of the causes of a
// SourceErrorAbort), connection errors and 5xx retry with bounded
// backoff.
func (m *Manager) renderWithRetries(ctx context.Context, bbox orb.Bound, s srs.SRS, w, h int) (*imaging.Image, error) {
	maxRetries := 2
	if m.Config.Seeding {
		maxRetries = 100
	}
	backoff := 200 * time.Millisecond
	const maxBackoff = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		img, err := m.Render(ctx, bbox, s, w, h)
		if err == nil {
			return img, nil
		}
		lastErr = err
		var se *errs.SourceError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, err
		}
		var abort *errs.SourceErrorAbort
		if errors.As(err, &abort) {
			for _, cause := range abort.Causes {
				if errors.As(cause, &se) && !se.Retryable() {
					return nil, err
				}
			}
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, lastErr
}
