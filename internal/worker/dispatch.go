package worker

import (
	"fmt"

	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/influx"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
)

// RegisterHandlers registers the recorder event handlers with the dispatcher.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// Frames and failures are rare; keep them blocking so none are lost
	d.Register(EventFrame, m.handleFrame, dispatcher.Buffered(256), dispatcher.Blocking(), dispatcher.Logged())
	d.Register(EventFailure, m.handleFailure, dispatcher.Buffered(256), dispatcher.Blocking(), dispatcher.Logged())
	d.Register(EventCapturing, m.handleCapturing, dispatcher.Buffered(64), dispatcher.Logged())

	// High-volume motion recording - buffered, dropped when storage falls behind
	d.Register(EventSegment, m.handleSegment, dispatcher.Buffered(10000))
}

// SnapshotTaken queues a captured frame.
func (m *Manager) SnapshotTaken(frame core.Frame) {
	m.dispatch(EventFrame, frame)
}

// SnapshotFailed queues a failure.
func (m *Manager) SnapshotFailed(failure core.SnapshotFailure) {
	m.dispatch(EventFailure, failure)
}

// CapturingChanged queues a capturing flag change.
func (m *Manager) CapturingChanged(capturing bool) {
	m.dispatch(EventCapturing, capturing)
}

// PositionSegment queues a recorded motion segment.
func (m *Manager) PositionSegment(segment core.Segment) {
	m.dispatch(EventSegment, segment)
}

func (m *Manager) handleFrame(e dispatcher.Event) error {
	frame, ok := e.Payload.(core.Frame)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	m.frames.Add(1)

	if err := m.backend.RecordFrame(&frame); err != nil {
		return fmt.Errorf("failed to record frame %d: %w", frame.Index, err)
	}
	if m.deps.Metrics != nil {
		if err := m.deps.Metrics.WritePoint(influx.FramePoint(m.JobName(), frame)); err != nil {
			return fmt.Errorf("failed to write frame metric: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleFailure(e dispatcher.Event) error {
	failure, ok := e.Payload.(core.SnapshotFailure)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	m.failures.Add(1)

	if err := m.backend.RecordFailure(&failure); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if m.deps.Metrics != nil {
		if err := m.deps.Metrics.WritePoint(influx.FailurePoint(m.JobName(), failure)); err != nil {
			return fmt.Errorf("failed to write failure metric: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleCapturing(e dispatcher.Event) error {
	capturing, ok := e.Payload.(bool)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	m.capturing.Store(capturing)

	if r, ok := m.backend.(storage.CapturingReporter); ok {
		return r.RecordCapturing(capturing)
	}
	return nil
}

func (m *Manager) handleSegment(e dispatcher.Event) error {
	segment, ok := e.Payload.(core.Segment)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	m.segments.Add(1)
	return m.backend.RecordSegment(&segment)
}
