// pkg/core/position.go
package core

import "time"

// Position is the best-effort estimate of the print head and extruder state.
type Position struct {
	X        float64
	Y        float64
	Z        float64
	E        float64
	Feedrate float64

	// Relative is true after G91, false after G90.
	Relative bool
	// RelativeExtruder is true after M83, false after M82.
	RelativeExtruder bool
}

// Segment is one extruding move of the motion recording.
type Segment struct {
	From       Position
	To         Position
	RecordedAt time.Time
}
