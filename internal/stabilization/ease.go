package stabilization

import (
	"fmt"
	"math"
	"strings"
)

// Ease maps snapshot progress to a sweep fraction.
type Ease int

const (
	EaseLinear Ease = iota
	// EaseInOut is a cosine ease in and out.
	EaseInOut
	EaseBounce
	// EaseCyclicSine swings between the bounds Cycles times over the job.
	EaseCyclicSine
	// EaseCyclicLinear is a triangle wave with Cycles periods.
	EaseCyclicLinear
)

var easeNames = map[Ease]string{
	EaseLinear:       "linear",
	EaseInOut:        "inout",
	EaseBounce:       "bounce",
	EaseCyclicSine:   "cyclic_sine",
	EaseCyclicLinear: "cyclic_linear",
}

func (e Ease) String() string {
	if n, ok := easeNames[e]; ok {
		return n
	}
	return fmt.Sprintf("ease(%d)", int(e))
}

// ParseEase accepts the names produced by String, case-insensitive.
func ParseEase(s string) (Ease, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return EaseLinear, nil
	}
	for e, n := range easeNames {
		if n == name {
			return e, nil
		}
	}
	return EaseLinear, fmt.Errorf("unknown ease %q", s)
}

// Apply evaluates the ease at t. Both t and the result are clamped to [0, 1].
func (e Ease) Apply(t, cycles float64) float64 {
	t = clamp01(t)
	var v float64
	switch e {
	case EaseInOut:
		v = -(math.Cos(math.Pi*t) - 1) / 2
	case EaseBounce:
		v = bounce(t)
	case EaseCyclicSine:
		v = (math.Cos(t*2*math.Pi*cycles) + 1) / 2
	case EaseCyclicLinear:
		// 0 -> 1 -> 0 per cycle
		phase := t * cycles
		phase -= math.Floor(phase)
		v = 1 - math.Abs(2*phase-1)
	default:
		v = t
	}
	return clamp01(v)
}

func bounce(t float64) float64 {
	const n, d = 7.5625, 2.75
	switch {
	case t < 1/d:
		return n * t * t
	case t < 2/d:
		t -= 1.5 / d
		return n*t*t + 0.75
	case t < 2.5/d:
		t -= 2.25 / d
		return n*t*t + 0.9375
	default:
		t -= 2.625 / d
		return n*t*t + 0.984375
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
