// pkg/core/job.go
package core

import (
	"fmt"
	"strings"
	"time"
)

// CaptureMode selects what triggers a snapshot during a job.
type CaptureMode int

const (
	// CaptureCommand takes snapshots when the job file asks for one.
	CaptureCommand CaptureMode = iota
	// CaptureTimed takes snapshots on a fixed interval.
	CaptureTimed
)

func (m CaptureMode) String() string {
	switch m {
	case CaptureTimed:
		return "TIMED"
	default:
		return "COMMAND"
	}
}

// ParseCaptureMode parses COMMAND or TIMED, case-insensitive.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "COMMAND":
		return CaptureCommand, nil
	case "TIMED":
		return CaptureTimed, nil
	}
	return CaptureCommand, fmt.Errorf("unknown capture mode %q", s)
}

// Job is one print job being recorded.
type Job struct {
	ID        uint
	Name      string
	File      string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Mode      CaptureMode
}

// Frame is one captured timelapse image.
type Frame struct {
	// Index is 1-based and follows capture completion order.
	Index      int
	Path       string
	CapturedAt time.Time
	// FilePos is the job file offset that triggered the frame, -1 if unknown.
	FilePos    int64
	Stabilized bool
	Size       int64
	// Latency is how long the camera took to deliver the image.
	Latency    time.Duration
}

// Failure kinds reported through SnapshotFailure.
const (
	FailureConfiguration = "configuration"
	FailureTransport     = "transport"
	FailureBusy          = "busy"
)

// SnapshotFailure describes a snapshot that could not be taken as requested.
type SnapshotFailure struct {
	At      time.Time
	Kind    string
	Message string
}
