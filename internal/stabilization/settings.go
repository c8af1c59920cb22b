package stabilization

import (
	"fmt"
	"strings"
	"time"
)

// Section is the configuration section stabilization settings live under.
const Section = "stabilization"

// AxisMode selects how a park coordinate is computed.
type AxisMode int

const (
	// ModeFixed parks at Value.
	ModeFixed AxisMode = iota
	// ModeRelative parks at the current coordinate plus Value.
	ModeRelative
	// ModeSweep parks between From and To, following Ease over the job.
	ModeSweep
)

func (m AxisMode) String() string {
	switch m {
	case ModeRelative:
		return "relative"
	case ModeSweep:
		return "sweep"
	default:
		return "fixed"
	}
}

// ParseAxisMode accepts fixed, relative or sweep, case-insensitive.
func ParseAxisMode(s string) (AxisMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed":
		return ModeFixed, nil
	case "relative":
		return ModeRelative, nil
	case "sweep":
		return ModeSweep, nil
	}
	return ModeFixed, fmt.Errorf("unknown axis mode %q", s)
}

// Axis configures one park coordinate.
type Axis struct {
	Mode   AxisMode
	Value  float64
	From   float64
	To     float64
	Ease   Ease
	Cycles float64
}

// Range bounds one machine axis. A zero Range is unbounded.
type Range struct {
	Min float64
	Max float64
}

func (r Range) bounded() bool { return r.Max > r.Min }

func (r Range) contains(v float64) bool {
	return !r.bounded() || (v >= r.Min && v <= r.Max)
}

// Limits are the travel limits a park position is validated against.
type Limits struct {
	X Range
	Y Range
	Z Range
}

// Settings is the operator configuration for one job. It is not modified
// while the job runs.
type Settings struct {
	Enabled bool

	// RetractAmount in mm; 0 disables retraction and the Z-hop.
	RetractAmount float64
	// RetractSpeed in mm/s.
	RetractSpeed float64
	RetractZHop  float64
	// MoveSpeed in mm/s.
	MoveSpeed float64

	ParkX Axis
	ParkY Axis
	ParkZ Axis

	WaitForMovement bool
	WaitBefore      time.Duration
	WaitAfter       time.Duration

	OozingCompensation bool
	// OozingCompensationValue is extra retraction in mm per second spent parked.
	OozingCompensationValue float64

	InfillLookahead bool

	Limits Limits
}

// DefaultSettings mirrors the defaults shipped in the configuration file.
func DefaultSettings() Settings {
	return Settings{
		RetractAmount:           1.2,
		RetractSpeed:            30,
		RetractZHop:             0.2,
		MoveSpeed:               150,
		ParkX:                   Axis{Mode: ModeFixed, Value: 30},
		ParkY:                   Axis{Mode: ModeFixed, Value: 125},
		ParkZ:                   Axis{Mode: ModeRelative, Value: 0},
		WaitForMovement:         true,
		WaitBefore:              200 * time.Millisecond,
		WaitAfter:               100 * time.Millisecond,
		OozingCompensationValue: 0.1,
	}
}

// Validate checks values that no position can make valid.
func (s Settings) Validate() error {
	switch {
	case s.MoveSpeed <= 0:
		return NewConfigurationError("moveSpeed", "must be positive, got %v", s.MoveSpeed)
	case s.RetractAmount < 0:
		return NewConfigurationError("retractAmount", "must not be negative, got %v", s.RetractAmount)
	case s.RetractAmount > 0 && s.RetractSpeed <= 0:
		return NewConfigurationError("retractSpeed", "must be positive when retracting, got %v", s.RetractSpeed)
	case s.RetractZHop < 0:
		return NewConfigurationError("retractZHop", "must not be negative, got %v", s.RetractZHop)
	case s.ParkZ.Mode == ModeSweep:
		return NewConfigurationError("parkZMode", "sweep is only supported for X and Y")
	case s.WaitBefore < 0 || s.WaitAfter < 0:
		return NewConfigurationError("waitBefore", "wait times must not be negative")
	case s.OozingCompensation && s.OozingCompensationValue < 0:
		return NewConfigurationError("oozingCompensationValue", "must not be negative, got %v", s.OozingCompensationValue)
	}
	return nil
}

func (s Settings) retracts() bool { return s.RetractAmount > 0 }

func (s Settings) zHop() float64 {
	if !s.retracts() {
		return 0
	}
	return s.RetractZHop
}
