package grid

import (
	"testing"

	"github.com/paulmach/orb"

	"tileproxy/internal/srs"
)

func webMercatorGrid(t *testing.T, levels int) *Grid {
	t.Helper()
	const half = 20037508.342789244
	g, err := New(Config{
		Name:      "GLOBAL_WEBMERCATOR",
		SRS:       srs.WebMercator,
		Bbox:      orb.Bound{Min: orb.Point{-half, -half}, Max: orb.Point{half, half}},
		NumLevels: levels,
		MaxRes:    2 * half / 256,
		ResFactor: ResFactor{Numeric: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestResolutionLadderStrictlyDecreasing(t *testing.T) {
	g := webMercatorGrid(t, 10)
	for i := 1; i < len(g.Res); i++ {
		if g.Res[i] >= g.Res[i-1] {
			t.Fatalf("ladder not strictly decreasing at %d: %v >= %v", i, g.Res[i], g.Res[i-1])
		}
	}
}

func TestLevelForResRoundTrip(t *testing.T) {
	g := webMercatorGrid(t, 12)
	for z := 0; z < g.NumLevels(); z++ {
		r, err := g.Resolution(z)
		if err != nil {
			t.Fatalf("Resolution(%d): %v", z, err)
		}
		if got := g.LevelForRes(r); got != z {
			t.Errorf("LevelForRes(Resolution(%d)) = %d, want %d", z, got, z)
		}
	}
}

func TestLevelForResClampsAtCoarsestAndFinest(t *testing.T) {
	g := webMercatorGrid(t, 5)
	if got := g.LevelForRes(g.Res[0] * 1000); got != 0 {
		t.Errorf("very coarse resolution should clamp to level 0, got %d", got)
	}
	if got := g.LevelForRes(g.Res[len(g.Res)-1] / 1000); got != len(g.Res)-1 {
		t.Errorf("very fine resolution should clamp to last level, got %d", got)
	}
}

func TestTilesForBBoxCoversWithoutOverlap(t *testing.T) {
	g := webMercatorGrid(t, 6)
	z := 3
	coords, err := g.TilesForBBox(g.Bbox, z)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	gw, gh, _ := g.GridSize(z)
	if len(coords) != gw*gh {
		t.Fatalf("got %d tiles, want %d (%dx%d)", len(coords), gw*gh, gw, gh)
	}

	var union orb.Bound
	first := true
	seen := map[Coord]bool{}
	for _, c := range coords {
		if seen[c] {
			t.Fatalf("duplicate tile %v", c)
		}
		seen[c] = true
		b, err := g.TileBBox(c)
		if err != nil {
			t.Fatalf("TileBBox(%v): %v", c, err)
		}
		if first {
			union = b
			first = false
		} else {
			union = union.Union(b)
		}
	}
	const eps = 1e-6
	if union.Min[0] > g.Bbox.Min[0]+eps || union.Min[1] > g.Bbox.Min[1]+eps ||
		union.Max[0] < g.Bbox.Max[0]-eps || union.Max[1] < g.Bbox.Max[1]-eps {
		t.Fatalf("union of tile bboxes %v does not cover grid bbox %v", union, g.Bbox)
	}
}

func TestTilesForBBoxClipsToGridBbox(t *testing.T) {
	g := webMercatorGrid(t, 4)
	huge := orb.Bound{Min: orb.Point{-1e9, -1e9}, Max: orb.Point{1e9, 1e9}}
	coords, err := g.TilesForBBox(huge, 2)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	gw, gh, _ := g.GridSize(2)
	if len(coords) != gw*gh {
		t.Fatalf("requesting beyond the grid bbox should clip to in-range tiles: got %d, want %d", len(coords), gw*gh)
	}
}

func TestAlignResolutionsWithSnapsOverlap(t *testing.T) {
	base := webMercatorGrid(t, 10)
	other := webMercatorGrid(t, 8)
	// Perturb other's ladder slightly so alignment has something to do.
	for i := range other.Res {
		other.Res[i] *= 1.0000001
	}
	if err := base.AlignResolutionsWith(other); err != nil {
		t.Fatalf("AlignResolutionsWith: %v", err)
	}
	for i := 0; i < len(other.Res) && i < len(base.Res); i++ {
		if base.Res[i] != other.Res[i] {
			t.Errorf("level %d not aligned: base=%v other=%v", i, base.Res[i], other.Res[i])
		}
	}
}

func TestOriginAffectsRowDirection(t *testing.T) {
	half := 20037508.342789244
	nw, err := New(Config{
		Name: "nw", SRS: srs.WebMercator,
		Bbox: orb.Bound{Min: orb.Point{-half, -half}, Max: orb.Point{half, half}},
		NumLevels: 2, MaxRes: 2 * half / 256, ResFactor: ResFactor{Numeric: 2}, Origin: OriginNW,
	})
	if err != nil {
		t.Fatal(err)
	}
	sw, err := New(Config{
		Name: "sw", SRS: srs.WebMercator,
		Bbox: orb.Bound{Min: orb.Point{-half, -half}, Max: orb.Point{half, half}},
		NumLevels: 2, MaxRes: 2 * half / 256, ResFactor: ResFactor{Numeric: 2}, Origin: OriginSW,
	})
	if err != nil {
		t.Fatal(err)
	}
	nwBbox, _ := nw.TileBBox(Coord{Z: 1, X: 0, Y: 0})
	swBbox, _ := sw.TileBBox(Coord{Z: 1, X: 0, Y: 0})
	if nwBbox.Min[1] == swBbox.Min[1] {
		t.Errorf("row 0 at z=1 is the same tile for both origins: nw=%v sw=%v", nwBbox, swBbox)
	}
}
