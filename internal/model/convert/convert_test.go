package convert

import (
	"testing"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/geo"
	"github.com/timelapseplus/extension/internal/model"
	"github.com/timelapseplus/extension/pkg/core"
)

func TestJobRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	j := core.Job{
		ID:        7,
		Name:      "benchy",
		File:      "/gcodes/benchy.gcode",
		StartedAt: start,
		EndedAt:   start.Add(time.Hour),
		Success:   true,
		Mode:      core.CaptureTimed,
	}

	m := CoreToJob(j, []byte(`{"enabled":true}`))
	assert.Equal(t, uint(7), m.ID)
	assert.Equal(t, "TIMED", m.Mode)
	assert.True(t, m.EndedAt.Valid)
	assert.JSONEq(t, `{"enabled":true}`, string(m.Settings))

	assert.Equal(t, j, JobToCore(m))
}

func TestCoreToJob_Running(t *testing.T) {
	m := CoreToJob(core.Job{Name: "x", StartedAt: time.Now()}, nil)

	assert.False(t, m.EndedAt.Valid)
	assert.Nil(t, m.Settings)
	assert.Equal(t, "COMMAND", m.Mode)
}

func TestJobToCore_UnknownMode(t *testing.T) {
	j := JobToCore(model.Job{Mode: "sometimes"})
	assert.Equal(t, core.CaptureCommand, j.Mode)
	assert.True(t, j.EndedAt.IsZero())
}

func TestFrameRoundTrip(t *testing.T) {
	f := core.Frame{
		Index:      3,
		Path:       "/tmp/00003.jpg",
		CapturedAt: time.Unix(1700000000, 0).UTC(),
		FilePos:    -1,
		Stabilized: true,
		Size:       2048,
		Latency:    120 * time.Millisecond,
	}

	m := CoreToFrame(4, f)
	assert.Equal(t, uint(4), m.JobID)
	assert.Equal(t, 120.0, m.LatencyMs)
	assert.Equal(t, f, FrameToCore(m))
}

func TestFailureRoundTrip(t *testing.T) {
	f := core.SnapshotFailure{At: time.Unix(1, 0).UTC(), Kind: core.FailureTransport, Message: "refused"}

	m := CoreToFailure(2, f)
	assert.Equal(t, uint(2), m.JobID)
	assert.Equal(t, "transport", m.Kind)
	assert.Equal(t, f, FailureToCore(m))
}

func TestSegmentRoundTrip(t *testing.T) {
	s := core.Segment{
		From:       core.Position{X: 1, Y: 2, Z: 0.2, E: 10},
		To:         core.Position{X: 11, Y: 2, Z: 0.2, E: 10.4, Feedrate: 1800},
		RecordedAt: time.Unix(5, 0).UTC(),
	}

	m := CoreToSegment(9, s)
	assert.Equal(t, uint(9), m.JobID)
	assert.Equal(t, 0.2, m.Layer)
	assert.InDelta(t, 0.4, m.Extruded, 1e-9)
	assert.True(t, m.Path.IsLineString())

	got, err := SegmentToCore(m)
	require.NoError(t, err)
	assert.Equal(t, 11.0, got.To.X)
	assert.Equal(t, 1800.0, got.To.Feedrate)
	assert.InDelta(t, 0.4, got.To.E-got.From.E, 1e-9)
	assert.Equal(t, s.RecordedAt, got.RecordedAt)
}

func TestSegmentToCore_NotLine(t *testing.T) {
	pt := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: 1, Y: 1}, Type: geom.DimXY})
	_, err := SegmentToCore(model.Segment{Path: pt.AsGeometry()})
	assert.ErrorIs(t, err, geo.ErrNotLineString)
}
