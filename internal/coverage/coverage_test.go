package coverage

import (
	"testing"

	"github.com/paulmach/orb"

	"tileproxy/internal/srs"
)

func box(minx, miny, maxx, maxy float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}
}

func TestEmptyCoverageIsNoOp(t *testing.T) {
	c := Empty(srs.WGS84)
	if !c.IsEmpty() {
		t.Fatal("Empty() should report IsEmpty")
	}
	if c.Contains(box(0, 0, 1, 1)) {
		t.Error("empty coverage must not contain anything")
	}
	if c.Intersects(box(0, 0, 1, 1)) {
		t.Error("empty coverage must not intersect anything")
	}
}

func TestBboxCoverageContainsAndIntersects(t *testing.T) {
	c := FromBbox(srs.WGS84, box(0, 0, 10, 10))
	if !c.Contains(box(1, 1, 2, 2)) {
		t.Error("should contain a sub-bbox")
	}
	if c.Contains(box(5, 5, 20, 20)) {
		t.Error("should not contain a bbox extending beyond it")
	}
	if !c.Intersects(box(5, 5, 20, 20)) {
		t.Error("should intersect an overlapping bbox")
	}
	if c.Intersects(box(20, 20, 30, 30)) {
		t.Error("should not intersect a disjoint bbox")
	}
}

func TestIntersectsSelfBound(t *testing.T) {
	c := FromBbox(srs.WGS84, box(0, 0, 10, 10))
	if !c.Intersects(c.Bound()) {
		t.Error("a non-empty coverage must intersect its own bound")
	}
}

func TestDifferenceWithSelfIsEmpty(t *testing.T) {
	c := FromBbox(srs.WGS84, box(0, 0, 10, 10))
	d := Difference(c, c)
	if !d.IsEmpty() {
		t.Error("difference(A, A) must be empty")
	}
}

func TestUnionCommutativeAndAssociative(t *testing.T) {
	a := FromBbox(srs.WGS84, box(0, 0, 5, 5))
	b := FromBbox(srs.WGS84, box(3, 3, 8, 8))
	cc := FromBbox(srs.WGS84, box(-2, -2, 2, 2))

	ab := Union(a, b)
	ba := Union(b, a)
	if ab.Bound() != ba.Bound() {
		t.Errorf("union not commutative: %v vs %v", ab.Bound(), ba.Bound())
	}

	left := Union(Union(a, b), cc)
	right := Union(a, Union(b, cc))
	if left.Bound() != right.Bound() {
		t.Errorf("union not associative: %v vs %v", left.Bound(), right.Bound())
	}
}

func TestPolygonCoverageClipReturnsMultiPolygon(t *testing.T) {
	ring := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	c, err := FromPolygon(srs.WGS84, orb.MultiPolygon{{ring}})
	if err != nil {
		t.Fatalf("FromPolygon: %v", err)
	}
	clipped := c.Clip(box(-5, -5, 5, 5))
	if len(clipped) == 0 {
		t.Fatal("expected a non-empty clip result")
	}
}
