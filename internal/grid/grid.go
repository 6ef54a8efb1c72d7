// Package grid implements a quantized tile pyramid: a resolution
// ladder, tile addressing and bbox<->tile conversion for one named
// grid in one SRS.
//
// Coordinate and bbox arithmetic is built on github.com/paulmach/orb.
// This package generalizes a fixed Web-Mercator/256px pyramid into a
// parametric Grid (arbitrary SRS, bbox, resolution ladder, tile size,
// origin).
package grid

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"

	"tileproxy/internal/srs"
)

// Origin selects which corner of the grid bbox tile (0,0) sits at.
type Origin int

const (
	OriginNW Origin = iota
	OriginSW
)

// ResFactor describes how successive resolution-ladder entries relate
// when the ladder isn't given explicitly.
type ResFactor struct {
	Numeric float64 // e.g. 2.0; 0 means 2.0 unless Sqrt2 is set; ignored when Res is given
	Sqrt2   bool
}

// Coord identifies one tile within a Grid.
type Coord struct {
	Z, X, Y int
}

func (c Coord) String() string { return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y) }

// Config is the normalized, validated construction input for a Grid.
// Res, if non-empty, is used verbatim; otherwise NumLevels entries are
// generated from ResFactor starting at MaxRes (or the bbox-derived
// resolution when MaxRes is zero).
type Config struct {
	Name        string
	SRS         srs.SRS
	Bbox        orb.Bound
	Res         []float64
	ResFactor   ResFactor
	MinRes      float64
	MaxRes      float64
	NumLevels   int
	TileWidth   int
	TileHeight  int
	Origin      Origin
	StretchFactor float64 // default 1.15, the level-selection threshold rule
}

// Grid is a named, immutable quantized tile pyramid in one SRS.
type Grid struct {
	Name          string
	SRS           srs.SRS
	Bbox          orb.Bound
	Res           []float64 // strictly decreasing, r[0] > r[1] > ... > r[L-1]
	TileWidth     int
	TileHeight    int
	Origin        Origin
	StretchFactor float64
}

// New validates cfg and builds the resolution ladder if it was not
// given explicitly; the ladder must be strictly decreasing.
func New(cfg Config) (*Grid, error) {
	tw, th := cfg.TileWidth, cfg.TileHeight
	if tw == 0 {
		tw = 256
	}
	if th == 0 {
		th = 256
	}
	stretch := cfg.StretchFactor
	if stretch == 0 {
		stretch = 1.15
	}

	res := cfg.Res
	if len(res) == 0 {
		var err error
		res, err = buildLadder(cfg, tw)
		if err != nil {
			return nil, err
		}
	}
	if err := validateLadder(res); err != nil {
		return nil, err
	}
	if cfg.Bbox.Min == cfg.Bbox.Max {
		return nil, fmt.Errorf("grid %s: empty bbox", cfg.Name)
	}

	return &Grid{
		Name:          cfg.Name,
		SRS:           cfg.SRS,
		Bbox:          cfg.Bbox,
		Res:           res,
		TileWidth:     tw,
		TileHeight:    th,
		Origin:        cfg.Origin,
		StretchFactor: stretch,
	}, nil
}

func buildLadder(cfg Config, tileWidth int) ([]float64, error) {
	factor := cfg.ResFactor.Numeric
	if cfg.ResFactor.Sqrt2 {
		factor = math.Sqrt2
	}
	if factor == 0 {
		factor = 2.0
	}

	start := cfg.MaxRes
	if start == 0 {
		width := cfg.Bbox.Max[0] - cfg.Bbox.Min[0]
		if width <= 0 {
			return nil, fmt.Errorf("grid %s: cannot derive resolution from empty bbox width", cfg.Name)
		}
		start = width / float64(tileWidth)
	}

	levels := cfg.NumLevels
	if levels == 0 {
		if cfg.MinRes == 0 {
			return nil, fmt.Errorf("grid %s: need num_levels or min_res to build a resolution ladder", cfg.Name)
		}
		levels = 1
		r := start
		for r/factor >= cfg.MinRes && levels < 64 {
			r /= factor
			levels++
		}
	}

	res := make([]float64, levels)
	r := start
	for i := 0; i < levels; i++ {
		res[i] = r
		r /= factor
	}
	return res, nil
}

func validateLadder(res []float64) error {
	if len(res) == 0 {
		return fmt.Errorf("grid: empty resolution ladder")
	}
	for i := 1; i < len(res); i++ {
		if !(res[i-1] > res[i]) {
			return fmt.Errorf("grid: resolution ladder not strictly decreasing at level %d (%v >= %v)", i, res[i], res[i-1])
		}
	}
	return nil
}

// NumLevels returns the number of levels in the pyramid.
func (g *Grid) NumLevels() int { return len(g.Res) }

// Resolution returns r[z], the ground resolution (SRS units per
// pixel) served by level z.
func (g *Grid) Resolution(z int) (float64, error) {
	if z < 0 || z >= len(g.Res) {
		return 0, fmt.Errorf("grid %s: level %d out of range [0,%d)", g.Name, z, len(g.Res))
	}
	return g.Res[z], nil
}

// LevelForRes picks the coarsest level k with r[k] <= r*stretch: a
// cached level is stretched by up to StretchFactor before a finer level
// is used. A resolution coarser than level 0 gives level 0; one finer
// than the last level divided by the stretch clamps to the last level
// rather than upsampling.
func (g *Grid) LevelForRes(r float64) int {
	stretch := g.StretchFactor
	for k := 0; k < len(g.Res); k++ {
		if g.Res[k] <= r*stretch {
			return k
		}
	}
	return len(g.Res) - 1
}

// GridSize returns the number of tiles wide/high the bbox spans at
// level z; tiles partition the bbox without overlap.
func (g *Grid) GridSize(z int) (w, h int, err error) {
	r, err := g.Resolution(z)
	if err != nil {
		return 0, 0, err
	}
	width := g.Bbox.Max[0] - g.Bbox.Min[0]
	height := g.Bbox.Max[1] - g.Bbox.Min[1]
	w = int(math.Ceil(width / (r * float64(g.TileWidth))))
	h = int(math.Ceil(height / (r * float64(g.TileHeight))))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h, nil
}

// TileBBox returns the SRS-unit bbox covered by tile (z,x,y),
// respecting Origin (nw or sw).
func (g *Grid) TileBBox(c Coord) (orb.Bound, error) {
	gw, gh, err := g.GridSize(c.Z)
	if err != nil {
		return orb.Bound{}, err
	}
	if c.X < 0 || c.X >= gw || c.Y < 0 || c.Y >= gh {
		return orb.Bound{}, fmt.Errorf("grid %s: tile %s out of range (%dx%d)", g.Name, c, gw, gh)
	}
	r, _ := g.Resolution(c.Z)
	tileSpanX := r * float64(g.TileWidth)
	tileSpanY := r * float64(g.TileHeight)

	minx := g.Bbox.Min[0] + float64(c.X)*tileSpanX
	maxx := minx + tileSpanX

	var miny, maxy float64
	switch g.Origin {
	case OriginSW:
		miny = g.Bbox.Min[1] + float64(c.Y)*tileSpanY
		maxy = miny + tileSpanY
	default: // OriginNW
		maxy = g.Bbox.Max[1] - float64(c.Y)*tileSpanY
		miny = maxy - tileSpanY
	}
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}, nil
}

// TilesForBBox enumerates every tile at level z whose bbox intersects
// bbox, clipped to the grid's own bbox: if the requested bbox leaves
// the grid bbox, only in-range tiles are returned.
func (g *Grid) TilesForBBox(bbox orb.Bound, z int) ([]Coord, error) {
	gw, gh, err := g.GridSize(z)
	if err != nil {
		return nil, err
	}
	clipped := clip.Bound(bbox, g.Bbox)
	if clipped.IsEmpty() {
		return nil, nil
	}
	r, _ := g.Resolution(z)
	tileSpanX := r * float64(g.TileWidth)
	tileSpanY := r * float64(g.TileHeight)

	minCol := int(math.Floor((clipped.Min[0] - g.Bbox.Min[0]) / tileSpanX))
	maxCol := int(math.Ceil((clipped.Max[0] - g.Bbox.Min[0]) / tileSpanX)) - 1

	var minRow, maxRow int
	switch g.Origin {
	case OriginSW:
		minRow = int(math.Floor((clipped.Min[1] - g.Bbox.Min[1]) / tileSpanY))
		maxRow = int(math.Ceil((clipped.Max[1] - g.Bbox.Min[1]) / tileSpanY)) - 1
	default: // OriginNW
		minRow = int(math.Floor((g.Bbox.Max[1] - clipped.Max[1]) / tileSpanY))
		maxRow = int(math.Ceil((g.Bbox.Max[1] - clipped.Min[1]) / tileSpanY)) - 1
	}

	minCol = clampInt(minCol, 0, gw-1)
	maxCol = clampInt(maxCol, 0, gw-1)
	minRow = clampInt(minRow, 0, gh-1)
	maxRow = clampInt(maxRow, 0, gh-1)

	var out []Coord
	for y := minRow; y <= maxRow; y++ {
		for x := minCol; x <= maxCol; x++ {
			out = append(out, Coord{Z: z, X: x, Y: y})
		}
	}
	return out, nil
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AlignResolutionsWith recomputes g's resolution ladder so that
// wherever it overlaps other's ladder the entries coincide exactly.
// Levels of g outside other's range (widened by g's stretch factor on
// both ends) are kept as-is; levels inside it snap to the nearest entry
// in other.
func (g *Grid) AlignResolutionsWith(other *Grid) error {
	if len(other.Res) == 0 {
		return fmt.Errorf("grid %s: cannot align with empty grid %s", g.Name, other.Name)
	}
	aligned := make([]float64, len(g.Res))
	copy(aligned, g.Res)

	lo, hi := other.Res[len(other.Res)-1], other.Res[0]
	for i, r := range aligned {
		if r < lo/g.StretchFactor || r > hi*g.StretchFactor {
			continue
		}
		aligned[i] = nearest(other.Res, r)
	}
	if err := validateLadder(aligned); err != nil {
		return fmt.Errorf("grid %s: align_resolutions_with(%s): %w", g.Name, other.Name, err)
	}
	g.Res = aligned
	return nil
}

func nearest(sorted []float64, v float64) float64 {
	best := sorted[0]
	bestDiff := math.Abs(sorted[0] - v)
	for _, r := range sorted[1:] {
		if d := math.Abs(r - v); d < bestDiff {
			best, bestDiff = r, d
		}
	}
	return best
}

// sortedDesc reports whether res is strictly decreasing; nothing in the
// module calls it.
func sortedDesc(res []float64) bool {
	return sort.SliceIsSorted(res, func(i, j int) bool { return res[i] > res[j] })
}
