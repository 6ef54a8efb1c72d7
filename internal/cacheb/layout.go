package cacheb

import (
	"fmt"
	"math/bits"
	"path/filepath"

	"tileproxy/internal/grid"
)

// Layout resolves a Key to a relative file path: the directory-layout
// choice among tc/tms/mp/arcgis/quadkey.
type Layout func(key Key) string

// TCLayout is MapProxy's own default layout: z/x/y.fmt with y measured
// from the grid's own origin (no flip).
func TCLayout(key Key) string {
	c := key.Coord
	return filepath.Join(fmt.Sprintf("%02d", c.Z), fmt.Sprintf("%04d", c.X), fmt.Sprintf("%04d.%s", c.Y, key.Format))
}

// TMSLayout flips Y (TMS origin is the grid's bottom-left).
func TMSLayout(numLevels func(z int) int) Layout {
	return func(key Key) string {
		c := key.Coord
		n := numLevels(c.Z)
		flippedY := n - 1 - c.Y
		return filepath.Join(fmt.Sprintf("%d", c.Z), fmt.Sprintf("%d", c.X), fmt.Sprintf("%d.%s", flippedY, key.Format))
	}
}

// MPLayout lays out tiles per layer: <layer>/<z>/<x>/<y>.<fmt>.
func MPLayout(key Key) string {
	c := key.Coord
	return filepath.Join(key.Layer, fmt.Sprintf("%d", c.Z), fmt.Sprintf("%d", c.X), fmt.Sprintf("%d.%s", c.Y, key.Format))
}

// ArcGISLayout mirrors the ArcGIS "compact cache" directory naming:
// L<zz>/R<row-hex>/C<col-hex>, row/col zero-padded hex per the ArcGIS
// tiling scheme that Sudo-Ivan-arcgis-utils's types model.
func ArcGISLayout(key Key) string {
	c := key.Coord
	return filepath.Join(
		fmt.Sprintf("L%02d", c.Z),
		fmt.Sprintf("R%08x", c.Y),
		fmt.Sprintf("C%08x.%s", c.X, key.Format),
	)
}

// QuadkeyLayout encodes (z,x,y) as a single Microsoft-style quadkey
// string, grounded on globalmaptiles.py's quadtree encoding (kept in
// the corpus as ZeroErrors-go-globalmaptiles).
func QuadkeyLayout(key Key) string {
	return filepath.Join(quadkey(key.Coord) + "." + key.Format)
}

func quadkey(c grid.Coord) string {
	out := make([]byte, c.Z)
	for i := c.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if c.X&mask != 0 {
			digit++
		}
		if c.Y&mask != 0 {
			digit += 2
		}
		out[c.Z-i] = digit
	}
	return string(out)
}

// quadkeyToCoord is the inverse of quadkey, used by backends that need
// to reconstruct a Key while walking a directory tree (not required by
// any backend here yet, kept for symmetry with quadkey and to document
// the encoding is reversible).
func quadkeyToCoord(qk string) grid.Coord {
	var x, y int
	z := len(qk)
	for i, ch := range qk {
		mask := 1 << (z - i - 1)
		switch ch {
		case '1':
			x |= mask
		case '2':
			y |= mask
		case '3':
			x |= mask
			y |= mask
		}
	}
	return grid.Coord{Z: z, X: x, Y: y}
}

// bitLen reports how many bits n needs; nothing in the module calls it.
func bitLen(n int) int { return bits.Len(uint(n)) }
