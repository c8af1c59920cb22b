package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cmd, ok := Parse("g1 x10.5 Y-.5 e.25 F1800 ; travel (comment)")
	require.True(t, ok)
	assert.Equal(t, "G1", cmd.Code)

	x, ok := cmd.Float("X")
	require.True(t, ok)
	assert.Equal(t, 10.5, x)

	y, ok := cmd.Float("y")
	require.True(t, ok)
	assert.Equal(t, -0.5, y)

	e, ok := cmd.Float("E")
	require.True(t, ok)
	assert.Equal(t, 0.25, e)
}

func TestParse_BlankAndComments(t *testing.T) {
	for _, line := range []string{"", "   ", "; just a comment", "(paren only)", ";TYPE:FILL"} {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestFloat_MalformedSkipped(t *testing.T) {
	cmd, ok := Parse("G1 Xabc Y5 Z E NaN")
	require.True(t, ok)

	_, ok = cmd.Float("X")
	assert.False(t, ok)
	_, ok = cmd.Float("Z")
	assert.False(t, ok, "bare letter has no value")
	_, ok = cmd.Float("Q")
	assert.False(t, ok)

	y, ok := cmd.Float("Y")
	require.True(t, ok)
	assert.Equal(t, 5.0, y)
}

func TestParam(t *testing.T) {
	v, ok := Param("G92 E0", "E")
	require.True(t, ok)
	assert.Equal(t, 0.0, v)

	_, ok = Param("", "E")
	assert.False(t, ok)
}

func TestAtCommand(t *testing.T) {
	name, ok := AtCommand("@snapshot ; take one")
	require.True(t, ok)
	assert.Equal(t, "SNAPSHOT", name)

	_, ok = AtCommand("G1 X1")
	assert.False(t, ok)
	_, ok = AtCommand("@")
	assert.False(t, ok)
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1.2, "1.2"},
		{-1.2, "-1.2"},
		{0.2, "0.2"},
		{1800, "1800"},
		{12.3456789, "12.34568"},
		{-0.000001, "0"},
		{0, "0"},
		{100.10000, "100.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFloat(tt.in), "FormatFloat(%v)", tt.in)
	}
}

func TestTags(t *testing.T) {
	tags := Tags{"source:file", FilePosTag(1234)}

	pos, ok := tags.FilePos()
	require.True(t, ok)
	assert.Equal(t, int64(1234), pos)
	assert.False(t, tags.Synthesized())

	synth := tags.With(TagSynthesized)
	assert.True(t, synth.Synthesized())
	assert.Len(t, tags, 2, "With must not modify the receiver")

	_, ok = Tags{"filepos:x"}.FilePos()
	assert.False(t, ok)
}
