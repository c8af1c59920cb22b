// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/timelapseplus/extension/internal/geo"
	"github.com/timelapseplus/extension/internal/model"
	"github.com/timelapseplus/extension/pkg/core"
	"gorm.io/datatypes"
)

// CoreToJob converts a core.Job to a GORM Job. settings is stored verbatim as JSON.
func CoreToJob(j core.Job, settings []byte) model.Job {
	out := model.Job{
		Name:      j.Name,
		File:      j.File,
		StartedAt: j.StartedAt,
		EndedAt:   sql.NullTime{Time: j.EndedAt, Valid: !j.EndedAt.IsZero()},
		Success:   j.Success,
		Mode:      j.Mode.String(),
	}
	out.ID = j.ID
	if len(settings) > 0 {
		out.Settings = datatypes.JSON(settings)
	}
	return out
}

// JobToCore converts a GORM Job to a core.Job. An unknown mode falls back to COMMAND.
func JobToCore(j model.Job) core.Job {
	mode, _ := core.ParseCaptureMode(j.Mode)
	out := core.Job{
		ID:        j.ID,
		Name:      j.Name,
		File:      j.File,
		StartedAt: j.StartedAt,
		Success:   j.Success,
		Mode:      mode,
	}
	if j.EndedAt.Valid {
		out.EndedAt = j.EndedAt.Time
	}
	return out
}

// CoreToFrame converts a core.Frame to a GORM Frame owned by jobID.
func CoreToFrame(jobID uint, f core.Frame) model.Frame {
	return model.Frame{
		JobID:      jobID,
		Index:      f.Index,
		Path:       f.Path,
		CapturedAt: f.CapturedAt,
		FilePos:    f.FilePos,
		Stabilized: f.Stabilized,
		Size:       f.Size,
		LatencyMs:  float64(f.Latency) / float64(time.Millisecond),
	}
}

// FrameToCore converts a GORM Frame to a core.Frame.
func FrameToCore(f model.Frame) core.Frame {
	return core.Frame{
		Index:      f.Index,
		Path:       f.Path,
		CapturedAt: f.CapturedAt,
		FilePos:    f.FilePos,
		Stabilized: f.Stabilized,
		Size:       f.Size,
		Latency:    time.Duration(f.LatencyMs * float64(time.Millisecond)),
	}
}

// CoreToFailure converts a core.SnapshotFailure to a GORM Failure owned by jobID.
func CoreToFailure(jobID uint, f core.SnapshotFailure) model.Failure {
	return model.Failure{
		JobID:   jobID,
		Time:    f.At,
		Kind:    f.Kind,
		Message: f.Message,
	}
}

// FailureToCore converts a GORM Failure to a core.SnapshotFailure.
func FailureToCore(f model.Failure) core.SnapshotFailure {
	return core.SnapshotFailure{
		At:      f.Time,
		Kind:    f.Kind,
		Message: f.Message,
	}
}

// CoreToSegment converts a core.Segment to a GORM Segment owned by jobID.
func CoreToSegment(jobID uint, s core.Segment) model.Segment {
	return model.Segment{
		JobID:    jobID,
		Time:     s.RecordedAt,
		Layer:    s.To.Z,
		Path:     geo.SegmentLineString(s).AsGeometry(),
		Extruded: geo.Extruded(s),
		Feedrate: s.To.Feedrate,
	}
}

// SegmentToCore converts a GORM Segment back to a core.Segment.
// Extrusion is restored relative to zero at the start point.
func SegmentToCore(s model.Segment) (core.Segment, error) {
	ls, ok := s.Path.AsLineString()
	if !ok {
		return core.Segment{}, fmt.Errorf("segment %d: %w: %s", s.ID, geo.ErrNotLineString, s.Path.Type())
	}
	seq := ls.Coordinates()
	if seq.Length() < 2 {
		return core.Segment{}, fmt.Errorf("segment %d: path has %d points", s.ID, seq.Length())
	}
	from, to := seq.Get(0), seq.Get(seq.Length()-1)
	return core.Segment{
		From:       core.Position{X: from.X, Y: from.Y, Z: from.Z},
		To:         core.Position{X: to.X, Y: to.Y, Z: to.Z, E: s.Extruded, Feedrate: s.Feedrate},
		RecordedAt: s.Time,
	}, nil
}
