// Package geo converts recorded toolpath segments to simplefeatures geometry.
// Coordinates are machine millimetres; no projection is applied.
package geo

import (
	"errors"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/timelapseplus/extension/pkg/core"
)

// ErrNotLineString is returned when WKB does not hold a LineString.
var ErrNotLineString = errors.New("geometry is not a linestring")

// SegmentLineString returns the XYZ line a segment travelled.
func SegmentLineString(s core.Segment) geom.LineString {
	seq := geom.NewSequence([]float64{
		s.From.X, s.From.Y, s.From.Z,
		s.To.X, s.To.Y, s.To.Z,
	}, geom.DimXYZ)
	return geom.NewLineString(seq)
}

// PathLineString joins consecutive segments into one line. A segment that
// does not start where the previous one ended still contributes both ends.
func PathLineString(segments []core.Segment) geom.LineString {
	if len(segments) == 0 {
		return geom.LineString{}
	}
	coords := make([]float64, 0, (len(segments)+1)*3)
	coords = append(coords, segments[0].From.X, segments[0].From.Y, segments[0].From.Z)
	last := segments[0].From
	for _, s := range segments {
		if !samePoint(s.From, last) {
			coords = append(coords, s.From.X, s.From.Y, s.From.Z)
		}
		coords = append(coords, s.To.X, s.To.Y, s.To.Z)
		last = s.To
	}
	return geom.NewLineString(geom.NewSequence(coords, geom.DimXYZ))
}

func samePoint(a, b core.Position) bool {
	return a.X == b.X && a.Y == b.Y && a.Z == b.Z
}

// Extruded returns the filament length a segment pushed.
func Extruded(s core.Segment) float64 {
	return s.To.E - s.From.E
}

// Length returns the XY travel of a line.
func Length(ls geom.LineString) float64 {
	return ls.Length()
}

// MarshalLineString encodes a line as WKB.
func MarshalLineString(ls geom.LineString) []byte {
	return ls.AsBinary()
}

// UnmarshalLineString decodes WKB produced by MarshalLineString.
func UnmarshalLineString(wkb []byte) (geom.LineString, error) {
	g, err := geom.UnmarshalWKB(wkb)
	if err != nil {
		return geom.LineString{}, fmt.Errorf("decode wkb: %w", err)
	}
	ls, ok := g.AsLineString()
	if !ok {
		return geom.LineString{}, fmt.Errorf("%w: %s", ErrNotLineString, g.Type())
	}
	return ls, nil
}
