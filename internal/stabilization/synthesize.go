// Package stabilization builds the park, shoot and return command sequence
// that takes a steady snapshot in the middle of a print.
package stabilization

import (
	"math"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/pkg/core"
)

// TriggerCommand is emitted between the park and return moves. The host
// echoes it back as a sent command once the head is parked.
const TriggerCommand = "@SNAPSHOT-UNSTABLE"

// Sequence is a synthesized stabilization sequence.
type Sequence struct {
	Commands []string
	// Park is where the head waits while the snapshot is taken.
	Park core.Position
	// Retraction is the amount retracted, oozing compensation included.
	Retraction float64
}

// Synthesize builds the command sequence for a snapshot taken from pos.
// progress in [0, 1] drives sweeping park axes. Synthesize has no side
// effects.
func Synthesize(pos core.Position, s Settings, progress float64) (Sequence, error) {
	if err := s.Validate(); err != nil {
		return Sequence{}, err
	}

	hop := gcode.Round(s.zHop())
	park := pos
	park.X = gcode.Round(parkCoordinate(s.ParkX, pos.X, progress))
	park.Y = gcode.Round(parkCoordinate(s.ParkY, pos.Y, progress))
	park.Z = gcode.Round(parkCoordinate(s.ParkZ, pos.Z, progress) + hop)

	if err := checkLimits(park, s.Limits); err != nil {
		return Sequence{}, err
	}

	retraction := s.RetractAmount
	if s.retracts() && s.OozingCompensation {
		retraction += s.OozingCompensationValue * parkedSeconds(pos, park, hop, s)
	}
	retraction = gcode.Round(retraction)

	move := gcode.FormatFloat(s.MoveSpeed * 60)
	f := gcode.FormatFloat

	cmds := make([]string, 0, 20)
	if s.retracts() {
		cmds = append(cmds, Retract(retraction, hop, s.RetractSpeed, false)...)
	}
	cmds = append(cmds,
		"G90",
		"G0 X"+f(park.X)+" Y"+f(park.Y)+" Z"+f(park.Z)+" F"+move,
	)
	if s.WaitForMovement {
		cmds = append(cmds, "M400")
	}
	if s.WaitBefore > 0 {
		cmds = append(cmds, dwell(s.WaitBefore.Milliseconds()))
	}
	cmds = append(cmds, TriggerCommand)
	if s.WaitAfter > 0 {
		cmds = append(cmds, dwell(s.WaitAfter.Milliseconds()))
	}
	cmds = append(cmds, "G0 X"+f(pos.X)+" Y"+f(pos.Y)+" Z"+f(pos.Z+hop)+" F"+move)
	if s.retracts() {
		cmds = append(cmds, Retract(retraction, hop, s.RetractSpeed, true)...)
	}
	cmds = append(cmds, restoreModes(pos)...)
	// A zero feedrate means the job has not set one yet. G1 F0 is rejected
	// by Klipper and ignored by Marlin, so the last sequence feedrate stays.
	if pos.Feedrate > 0 {
		cmds = append(cmds, "G1 F"+f(pos.Feedrate))
	}

	park.E = gcode.Round(pos.E - retraction)
	park.Feedrate = gcode.Round(s.MoveSpeed * 60)
	park.Relative = false
	return Sequence{Commands: cmds, Park: park, Retraction: retraction}, nil
}

// Retract builds the relative retract and Z-hop commands, or with inverse
// set, the lowering and unretract that undo them. The extruder and
// positioning modes are left relative; the caller restores them.
func Retract(amount, hop, speed float64, inverse bool) []string {
	feed := " F" + gcode.FormatFloat(speed*60)
	cmds := []string{"G91", "M83"}
	if !inverse {
		cmds = append(cmds, "G1 E"+gcode.FormatFloat(-amount)+feed)
		if hop > 0 {
			cmds = append(cmds, "G1 Z"+gcode.FormatFloat(hop)+feed)
		}
		return cmds
	}
	if hop > 0 {
		cmds = append(cmds, "G1 Z"+gcode.FormatFloat(-hop)+feed)
	}
	return append(cmds, "G1 E"+gcode.FormatFloat(amount)+feed)
}

func restoreModes(pos core.Position) []string {
	cmds := make([]string, 0, 2)
	if pos.Relative {
		cmds = append(cmds, "G91")
	} else {
		cmds = append(cmds, "G90")
	}
	if pos.RelativeExtruder {
		cmds = append(cmds, "M83")
	} else {
		cmds = append(cmds, "M82")
	}
	return cmds
}

func dwell(ms int64) string {
	return "G4 P" + gcode.FormatFloat(float64(ms))
}

func parkCoordinate(a Axis, current, progress float64) float64 {
	switch a.Mode {
	case ModeRelative:
		return current + a.Value
	case ModeSweep:
		return a.From + (a.To-a.From)*a.Ease.Apply(progress, a.Cycles)
	default:
		return a.Value
	}
}

func checkLimits(park core.Position, l Limits) error {
	f := gcode.FormatFloat
	if !l.X.contains(park.X) {
		return NewConfigurationError("parkX", "park X %s outside limits [%s, %s]", f(park.X), f(l.X.Min), f(l.X.Max))
	}
	if !l.Y.contains(park.Y) {
		return NewConfigurationError("parkY", "park Y %s outside limits [%s, %s]", f(park.Y), f(l.Y.Min), f(l.Y.Max))
	}
	if !l.Z.contains(park.Z) {
		return NewConfigurationError("parkZ", "park Z %s outside limits [%s, %s]", f(park.Z), f(l.Z.Min), f(l.Z.Max))
	}
	return nil
}

// parkedSeconds estimates the time the nozzle spends away from the print:
// travel to the park position and back at MoveSpeed plus both dwells.
func parkedSeconds(pos, park core.Position, hop float64, s Settings) float64 {
	dx := park.X - pos.X
	dy := park.Y - pos.Y
	dz := park.Z - (pos.Z + hop)
	travel := 2 * math.Sqrt(dx*dx+dy*dy+dz*dz) / s.MoveSpeed
	return travel + (s.WaitBefore + s.WaitAfter).Seconds()
}
