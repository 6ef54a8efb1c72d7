package coverage

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// DouglasPeucker adapts orb/simplify's Douglas-Peucker reducer to the
// Simplifier interface, the default "external geometry engine" named
// in design note "delegate complex simplification... via an
// interface".
type DouglasPeucker struct {
	Threshold float64
}

func (d DouglasPeucker) Simplify(mp orb.MultiPolygon) orb.MultiPolygon {
	s := simplify.DouglasPeucker(d.Threshold)
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		simplified := s.Simplify(poly.Clone())
		if p, ok := simplified.(orb.Polygon); ok {
			out[i] = p
		} else {
			out[i] = poly
		}
	}
	return out
}
