// Package scheduler decides when and how snapshots are taken during a job:
// immediately, stabilized by a parking sequence, or deferred to the next
// infill region of the job file.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/pkg/core"
)

// QueuedTriggerCommand is injected into the queued stream when a deferred
// snapshot's target offset is reached.
const QueuedTriggerCommand = "@SNAPSHOT-QUEUED"

// DefaultSnapshotCommand is the "@" command job files use to ask for a snapshot.
const DefaultSnapshotCommand = "SNAPSHOT"

// ErrNotRunning is returned by Start and Finish when the job is in the wrong state.
var ErrNotRunning = errors.New("job not running")

// Camera takes one picture and stores it as a file inside dir.
type Camera interface {
	Capture(ctx context.Context, dir string) (string, error)
}

// Listener receives scheduler notifications. Methods may be called from
// capture goroutines concurrently.
type Listener interface {
	SnapshotTaken(frame core.Frame)
	SnapshotFailed(failure core.SnapshotFailure)
	CapturingChanged(capturing bool)
	PositionSegment(segment core.Segment)
}

// Tracker is the live position source.
type Tracker interface {
	Consume(code, raw string, tags gcode.Tags)
	Position() core.Position
	SetRecordingEnabled(enabled bool)
}

// Lookahead answers deferral questions about the job file.
type Lookahead interface {
	CanQueueSnapshotAt(pos int64) bool
	NextInfillPosition(pos int64) (int64, bool)
	MarkerCount() int
}

// Config is the per-job scheduling configuration.
type Config struct {
	SnapshotCommand string
	Mode            core.CaptureMode
	// Interval between snapshots in timed mode.
	Interval time.Duration
	// MaxConcurrentCaptures limits capture tasks; 0 means unlimited.
	MaxConcurrentCaptures int
	// CaptureDir receives the numbered frames.
	CaptureDir    string
	Stabilization stabilization.Settings
}

// Dependencies are the collaborators of a Scheduler. Lookahead may be nil.
type Dependencies struct {
	Tracker   Tracker
	Lookahead Lookahead
	Camera    Camera
	Channel   stabilization.Channel
	Listener  Listener
	Logger    *slog.Logger
}

// Scheduler runs the snapshot state machine of one job.
type Scheduler struct {
	cfg  Config
	deps Dependencies
	inst *instruments

	mu    sync.Mutex
	state State
	ctx   context.Context
	group *errgroup.Group
	stop  chan struct{}

	// deferred snapshot, at most one
	queued    bool
	queuedPos int64
	// highest file offset seen by GcodeQueuing
	maxQueued int64
	// file offsets of stabilization sequences waiting for their trigger
	parked []int64
	// snapshot requests acted upon, for sweep progress
	requests int

	framesMu sync.Mutex
	frames   []core.Frame
}

// New creates a scheduler in the NotRunning state.
func New(cfg Config, deps Dependencies) *Scheduler {
	if cfg.SnapshotCommand == "" {
		cfg.SnapshotCommand = DefaultSnapshotCommand
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Listener == nil {
		deps.Listener = NopListener{}
	}
	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		inst:      newInstruments(),
		maxQueued: -1,
	}
}

// State returns the current run state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capturing reports whether snapshots may currently begin.
func (s *Scheduler) Capturing() bool {
	return s.State().capturing()
}

// Pending returns the target offset of the deferred snapshot, if any.
func (s *Scheduler) Pending() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedPos, s.queued
}

// Frames returns a copy of the frames captured so far.
func (s *Scheduler) Frames() []core.Frame {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	return append([]core.Frame(nil), s.frames...)
}

// Start moves NotRunning to Running, enables the motion recording and, in
// timed mode, starts the capture timer. ctx bounds capture tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != NotRunning {
		s.mu.Unlock()
		return fmt.Errorf("start from state %s: %w", s.state, ErrNotRunning)
	}
	s.state = Running
	s.ctx = ctx
	s.group = &errgroup.Group{}
	if s.cfg.MaxConcurrentCaptures > 0 {
		s.group.SetLimit(s.cfg.MaxConcurrentCaptures)
	}
	if s.cfg.Mode == core.CaptureTimed && s.cfg.Interval > 0 {
		s.stop = make(chan struct{})
		go s.timerLoop(s.stop, s.cfg.Interval)
	}
	s.mu.Unlock()

	s.deps.Tracker.SetRecordingEnabled(true)
	s.deps.Listener.CapturingChanged(true)
	s.deps.Logger.Info("snapshot scheduler started",
		"mode", s.cfg.Mode.String(),
		"stabilization", s.cfg.Stabilization.Enabled)
	return nil
}

func (s *Scheduler) timerLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.DoSnapshot(-1, false)
		}
	}
}

// Pause moves Running to Paused.
func (s *Scheduler) Pause() { s.transition(Paused, Running) }

// Resume moves Paused to Running.
func (s *Scheduler) Resume() { s.transition(Running, Paused) }

// Halt moves Running to Halted. A pending deferred snapshot is kept.
func (s *Scheduler) Halt() { s.transition(Halted, Running) }

// ResumeFromHalt moves Halted to Running.
func (s *Scheduler) ResumeFromHalt() { s.transition(Running, Halted) }

func (s *Scheduler) transition(to State, from State) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	was := s.state.capturing()
	s.state = to
	now := s.state.capturing()
	s.mu.Unlock()

	s.deps.Logger.Debug("scheduler state changed", "from", from.String(), "to", to.String())
	if was != now {
		s.deps.Listener.CapturingChanged(now)
	}
}

// DoSnapshot handles one snapshot request. filePos is the job file offset
// of the request, -1 if unknown; isQueued marks a resolved deferral.
func (s *Scheduler) DoSnapshot(filePos int64, isQueued bool) {
	s.mu.Lock()
	if !s.state.capturing() {
		state := s.state
		s.mu.Unlock()
		if isQueued {
			s.deps.Logger.Debug("queued snapshot dropped", "filepos", filePos, "state", state.String())
		}
		return
	}

	st := s.cfg.Stabilization
	if !st.Enabled {
		s.requests++
		s.mu.Unlock()
		s.spawnCapture(filePos, false)
		return
	}

	if !isQueued && !s.queued {
		if target, ok := s.deferralTargetLocked(filePos); ok {
			s.queued = true
			s.queuedPos = target
			s.mu.Unlock()

			s.inst.deferred()
			s.deps.Logger.Debug("snapshot deferred to infill", "requested", filePos, "target", target)
			return
		}
	}

	s.requests++
	progress := s.progressLocked()
	s.parked = append(s.parked, filePos)
	s.mu.Unlock()

	_, err := stabilization.Run(s.ctx, s.deps.Channel, s.deps.Tracker.Position, st, progress)
	if err == nil {
		return
	}

	s.mu.Lock()
	s.dropParkedLocked(filePos)
	s.mu.Unlock()

	kind := core.FailureTransport
	switch {
	case errors.Is(err, stabilization.ErrConfiguration):
		kind = core.FailureConfiguration
	case errors.Is(err, stabilization.ErrChannelBusy):
		kind = core.FailureBusy
	}
	s.fail(kind, fmt.Errorf("stabilization failed, capturing unstabilized: %w", err))
	s.spawnCapture(filePos, false)
}

// deferralTargetLocked returns where a snapshot requested at filePos should
// be deferred to. The target must still lie ahead of the queued stream.
func (s *Scheduler) deferralTargetLocked(filePos int64) (int64, bool) {
	la := s.deps.Lookahead
	if la == nil || !s.cfg.Stabilization.InfillLookahead || filePos < 0 {
		return 0, false
	}
	if !la.CanQueueSnapshotAt(filePos) {
		return 0, false
	}
	target, ok := la.NextInfillPosition(filePos)
	if !ok || target <= s.maxQueued {
		return 0, false
	}
	return target, true
}

func (s *Scheduler) progressLocked() float64 {
	if s.deps.Lookahead == nil {
		return 0
	}
	markers := s.deps.Lookahead.MarkerCount()
	if markers <= 0 {
		return 0
	}
	return min(1, float64(s.requests-1)/float64(markers))
}

func (s *Scheduler) dropParkedLocked(filePos int64) {
	for i := len(s.parked) - 1; i >= 0; i-- {
		if s.parked[i] == filePos {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return
		}
	}
}

// GcodeQueuing inspects a command entering the send queue. When the deferred
// snapshot's target has been reached it returns the trigger followed by cmd,
// otherwise nil to leave the command unchanged. The deferral stays pending
// while the scheduler is not capturing.
func (s *Scheduler) GcodeQueuing(cmd string, tags gcode.Tags) []string {
	pos, ok := tags.FilePos()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pos > s.maxQueued {
		s.maxQueued = pos
	}
	if !s.queued || pos < s.queuedPos || !s.state.capturing() {
		return nil
	}
	s.queued = false
	return []string{QueuedTriggerCommand, cmd}
}

// GcodeSent consumes a command that was sent to the printer and routes the
// snapshot triggers it may carry.
func (s *Scheduler) GcodeSent(code, raw string, tags gcode.Tags) {
	s.deps.Tracker.Consume(code, raw, tags)

	name, ok := gcode.AtCommand(raw)
	if !ok {
		return
	}
	pos, ok := tags.FilePos()
	if !ok {
		pos = -1
	}

	switch {
	case "@"+name == stabilization.TriggerCommand:
		s.parkedTrigger()
	case "@"+name == QueuedTriggerCommand:
		s.DoSnapshot(pos, true)
	case strings.EqualFold(name, s.cfg.SnapshotCommand) && s.cfg.Mode == core.CaptureCommand:
		s.DoSnapshot(pos, false)
	}
}

// Action handles a host "action:" notification.
func (s *Scheduler) Action(name string) {
	if strings.EqualFold(strings.TrimSpace(name), s.cfg.SnapshotCommand) && s.cfg.Mode == core.CaptureCommand {
		s.DoSnapshot(-1, false)
	}
}

// parkedTrigger takes the picture of a stabilization sequence once the head
// has reached the park position.
func (s *Scheduler) parkedTrigger() {
	s.mu.Lock()
	pos := int64(-1)
	if len(s.parked) > 0 {
		pos = s.parked[0]
		s.parked = s.parked[1:]
	}
	s.mu.Unlock()
	s.spawnCapture(pos, true)
}

func (s *Scheduler) spawnCapture(filePos int64, stabilized bool) {
	if err := s.trySpawn(filePos, stabilized); err != nil {
		s.fail(core.FailureBusy, err)
	}
}

func (s *Scheduler) trySpawn(filePos int64, stabilized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil || s.state == Finished {
		s.deps.Logger.Debug("capture after job end dropped", "filepos", filePos)
		return nil
	}
	ctx := s.ctx
	task := func() error {
		s.capture(ctx, filePos, stabilized)
		return nil
	}
	if s.cfg.MaxConcurrentCaptures <= 0 {
		s.group.Go(task)
		return nil
	}
	if !s.group.TryGo(task) {
		return fmt.Errorf("%d captures already in flight", s.cfg.MaxConcurrentCaptures)
	}
	return nil
}

func (s *Scheduler) capture(ctx context.Context, filePos int64, stabilized bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(core.FailureTransport, fmt.Errorf("capture panicked: %v", r))
		}
	}()

	start := time.Now()
	path, err := s.deps.Camera.Capture(ctx, s.cfg.CaptureDir)
	if err != nil {
		s.fail(core.FailureTransport, fmt.Errorf("capture snapshot: %w", err))
		return
	}
	elapsed := time.Since(start)

	frame, err := s.appendFrame(path, filePos, stabilized, elapsed)
	if err != nil {
		s.fail(core.FailureTransport, err)
		return
	}
	s.inst.captured(stabilized, elapsed.Seconds())
	s.deps.Logger.Info("snapshot taken",
		"frame", frame.Index,
		"stabilized", stabilized,
		"duration", elapsed)
	s.deps.Listener.SnapshotTaken(frame)
}

// appendFrame numbers the frame in completion order and moves it to its
// final name.
func (s *Scheduler) appendFrame(path string, filePos int64, stabilized bool, latency time.Duration) (core.Frame, error) {
	s.framesMu.Lock()
	defer s.framesMu.Unlock()

	frame := core.Frame{
		Index:      len(s.frames) + 1,
		Path:       path,
		CapturedAt: time.Now(),
		FilePos:    filePos,
		Stabilized: stabilized,
		Latency:    latency,
	}
	if s.cfg.CaptureDir != "" {
		frame.Path = filepath.Join(s.cfg.CaptureDir, FrameName(frame.Index))
		if err := os.Rename(path, frame.Path); err != nil {
			return core.Frame{}, fmt.Errorf("store frame %d: %w", frame.Index, err)
		}
	}
	if info, err := os.Stat(frame.Path); err == nil {
		frame.Size = info.Size()
	}
	s.frames = append(s.frames, frame)
	return frame, nil
}

// FrameName is the file name of frame index.
func FrameName(index int) string {
	return fmt.Sprintf("%05d.jpg", index)
}

func (s *Scheduler) fail(kind string, err error) {
	s.inst.failed(kind)
	s.deps.Logger.Warn("snapshot failed", "kind", kind, "error", err)
	s.deps.Listener.SnapshotFailed(core.SnapshotFailure{
		At:      time.Now(),
		Kind:    kind,
		Message: err.Error(),
	})
}

// Finish ends the job: it stops the timer, takes a last timed snapshot,
// then waits for every capture in flight and returns the frames. A parking
// sequence already submitted is not cancelled.
func (s *Scheduler) Finish(ctx context.Context) ([]core.Frame, error) {
	s.mu.Lock()
	if s.state == NotRunning || s.state == Finished {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	wasCapturing := s.state.capturing()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	if wasCapturing && s.cfg.Mode == core.CaptureTimed {
		s.spawnCapture(-1, false)
	}

	s.mu.Lock()
	s.state = Finished
	s.queued = false
	s.parked = nil
	group := s.group
	s.mu.Unlock()

	s.deps.Tracker.SetRecordingEnabled(false)
	if wasCapturing {
		s.deps.Listener.CapturingChanged(false)
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return s.Frames(), err
		}
	case <-ctx.Done():
		return s.Frames(), fmt.Errorf("wait for captures: %w", ctx.Err())
	}

	frames := s.Frames()
	s.deps.Logger.Info("snapshot scheduler finished", "frames", len(frames))
	return frames, nil
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) SnapshotTaken(core.Frame)           {}
func (NopListener) SnapshotFailed(core.SnapshotFailure) {}
func (NopListener) CapturingChanged(bool)              {}
func (NopListener) PositionSegment(core.Segment)       {}
