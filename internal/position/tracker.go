// Package position tracks the print head position from the outgoing command stream.
package position

import (
	"strings"
	"sync"
	"time"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/queue"
	"github.com/timelapseplus/extension/pkg/core"
)

// DefaultRecordingLimit bounds the motion recording of a single job.
const DefaultRecordingLimit = 500_000

// Tracker keeps a best-effort estimate of X, Y, Z, E, feedrate and the
// positioning modes. Consume never blocks on anything but its own mutex and
// never fails.
type Tracker struct {
	mu   sync.Mutex
	pos  core.Position
	home core.Position

	extruderOverride bool

	recording bool
	segments  *queue.Queue[core.Segment]
	onSegment func(core.Segment)
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExtruderModeOverride makes G90/G91 also switch the extruder mode, the
// way Marlin firmware does.
func WithExtruderModeOverride(enabled bool) Option {
	return func(t *Tracker) { t.extruderOverride = enabled }
}

// WithHome sets the coordinates G28 moves an axis to.
func WithHome(home core.Position) Option {
	return func(t *Tracker) { t.home = home }
}

// WithSegmentHandler registers a callback for every recorded segment.
// The callback runs outside the tracker lock.
func WithSegmentHandler(fn func(core.Segment)) Option {
	return func(t *Tracker) { t.onSegment = fn }
}

// WithRecordingLimit bounds the number of kept segments.
func WithRecordingLimit(n int) Option {
	return func(t *Tracker) { t.segments = queue.NewBounded[core.Segment](n) }
}

// New returns a tracker at the zero position in absolute mode.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		segments: queue.NewBounded[core.Segment](DefaultRecordingLimit),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset returns the tracker to its initial state, clears the recording and
// sets the coordinates G28 moves an axis to.
func (t *Tracker) Reset(home core.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = core.Position{}
	t.home = home
	t.recording = false
	t.segments.Clear()
}

// Position returns the current estimate.
func (t *Tracker) Position() core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// SetRecordingEnabled toggles the motion recording. Any change of the flag
// starts a fresh recording.
func (t *Tracker) SetRecordingEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recording != enabled {
		t.segments.Clear()
	}
	t.recording = enabled
}

// Recording reports whether moves are being recorded.
func (t *Tracker) Recording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording
}

// Segments returns a copy of the motion recording.
func (t *Tracker) Segments() []core.Segment {
	return t.segments.Snapshot()
}

// Consume applies one sent command. code is the host's command code; when
// empty it is taken from raw.
func (t *Tracker) Consume(code, raw string, tags gcode.Tags) {
	cmd, ok := gcode.Parse(raw)
	if !ok {
		return
	}
	if code != "" {
		cmd.Code = strings.ToUpper(code)
	}

	t.mu.Lock()
	before := t.pos
	isMove := false
	switch cmd.Code {
	case "G0", "G1", "G2", "G3":
		t.move(cmd)
		isMove = true
	case "G90":
		t.pos.Relative = false
		if t.extruderOverride {
			t.pos.RelativeExtruder = false
		}
	case "G91":
		t.pos.Relative = true
		if t.extruderOverride {
			t.pos.RelativeExtruder = true
		}
	case "M82":
		t.pos.RelativeExtruder = false
	case "M83":
		t.pos.RelativeExtruder = true
	case "G92":
		t.setPosition(cmd)
	case "G28":
		t.homeAxes(cmd)
	}

	var seg *core.Segment
	if isMove && t.recording && !tags.Synthesized() && t.pos.E > before.E {
		s := core.Segment{From: before, To: t.pos, RecordedAt: t.now()}
		t.segments.Push(s)
		seg = &s
	}
	onSegment := t.onSegment
	t.mu.Unlock()

	if seg != nil && onSegment != nil {
		onSegment(*seg)
	}
}

func (t *Tracker) move(cmd gcode.Command) {
	if v, ok := cmd.Float("X"); ok {
		t.pos.X = apply(t.pos.X, v, t.pos.Relative)
	}
	if v, ok := cmd.Float("Y"); ok {
		t.pos.Y = apply(t.pos.Y, v, t.pos.Relative)
	}
	if v, ok := cmd.Float("Z"); ok {
		t.pos.Z = apply(t.pos.Z, v, t.pos.Relative)
	}
	if v, ok := cmd.Float("E"); ok {
		t.pos.E = apply(t.pos.E, v, t.pos.RelativeExtruder)
	}
	if v, ok := cmd.Float("F"); ok {
		t.pos.Feedrate = gcode.Round(v)
	}
}

func (t *Tracker) setPosition(cmd gcode.Command) {
	if v, ok := cmd.Float("X"); ok {
		t.pos.X = gcode.Round(v)
	}
	if v, ok := cmd.Float("Y"); ok {
		t.pos.Y = gcode.Round(v)
	}
	if v, ok := cmd.Float("Z"); ok {
		t.pos.Z = gcode.Round(v)
	}
	if v, ok := cmd.Float("E"); ok {
		t.pos.E = gcode.Round(v)
	}
}

func (t *Tracker) homeAxes(cmd gcode.Command) {
	// A bare "G28" homes every axis.
	all := !cmd.Has("X") && !cmd.Has("Y") && !cmd.Has("Z")
	if all || cmd.Has("X") {
		t.pos.X = t.home.X
	}
	if all || cmd.Has("Y") {
		t.pos.Y = t.home.Y
	}
	if all || cmd.Has("Z") {
		t.pos.Z = t.home.Z
	}
}

// apply assigns v in absolute mode and accumulates it in relative mode.
// Positions are kept on the gcode.Precision grid, the same precision
// synthesized commands are written with, so a move and its inverse cancel
// exactly.
func apply(cur, v float64, relative bool) float64 {
	if relative {
		return gcode.Round(cur + v)
	}
	return gcode.Round(v)
}
