package geo

import (
	"testing"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/pkg/core"
)

func seg(x0, y0, x1, y1, z, e0, e1 float64) core.Segment {
	return core.Segment{
		From: core.Position{X: x0, Y: y0, Z: z, E: e0},
		To:   core.Position{X: x1, Y: y1, Z: z, E: e1},
	}
}

func TestSegmentLineString(t *testing.T) {
	ls := SegmentLineString(seg(0, 0, 3, 4, 0.2, 1, 1.5))

	seq := ls.Coordinates()
	require.Equal(t, 2, seq.Length())
	assert.Equal(t, geom.DimXYZ, seq.CoordinatesType())
	assert.Equal(t, 3.0, seq.Get(1).X)
	assert.Equal(t, 4.0, seq.Get(1).Y)
	assert.Equal(t, 0.2, seq.Get(1).Z)
	assert.InDelta(t, 5.0, Length(ls), 1e-9)
}

func TestPathLineString(t *testing.T) {
	path := PathLineString([]core.Segment{
		seg(0, 0, 10, 0, 0.2, 0, 1),
		seg(10, 0, 10, 10, 0.2, 1, 2),
		seg(20, 20, 30, 20, 0.2, 2, 3), // gap after a travel move
	})

	assert.Equal(t, 5, path.Coordinates().Length())
	assert.True(t, PathLineString(nil).IsEmpty())
}

func TestExtruded(t *testing.T) {
	assert.InDelta(t, 0.5, Extruded(seg(0, 0, 1, 1, 0, 1, 1.5)), 1e-9)
}

func TestWKBRoundTrip(t *testing.T) {
	ls := SegmentLineString(seg(1, 2, 3, 4, 5, 0, 1))

	got, err := UnmarshalLineString(MarshalLineString(ls))
	require.NoError(t, err)
	seq := got.Coordinates()
	require.Equal(t, 2, seq.Length())
	assert.Equal(t, geom.DimXYZ, seq.CoordinatesType())
	assert.Equal(t, 1.0, seq.Get(0).X)
	assert.Equal(t, 5.0, seq.Get(1).Z)
}

func TestUnmarshalLineString_Errors(t *testing.T) {
	_, err := UnmarshalLineString([]byte{0x01})
	assert.Error(t, err)

	pt := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: 1, Y: 2}, Type: geom.DimXY})
	_, err = UnmarshalLineString(pt.AsBinary())
	assert.ErrorIs(t, err, ErrNotLineString)
}
