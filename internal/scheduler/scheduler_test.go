package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/position"
	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/pkg/core"
)

type fakeCamera struct {
	mu    sync.Mutex
	calls int
	err   error
	// gates[n] blocks the n-th call (1-based) until closed
	gates map[int]chan struct{}
}

func (c *fakeCamera) Capture(_ context.Context, dir string) (string, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	gate := c.gates[n]
	err := c.err
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "capture-*.tmp")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "shot-%d", n)
	return f.Name(), err
}

func (c *fakeCamera) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingListener struct {
	mu        sync.Mutex
	taken     []core.Frame
	failures  []core.SnapshotFailure
	capturing []bool
}

func (l *recordingListener) SnapshotTaken(f core.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taken = append(l.taken, f)
}

func (l *recordingListener) SnapshotFailed(f core.SnapshotFailure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, f)
}

func (l *recordingListener) CapturingChanged(c bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capturing = append(l.capturing, c)
}

func (l *recordingListener) PositionSegment(core.Segment) {}

func (l *recordingListener) Failures() []core.SnapshotFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.SnapshotFailure(nil), l.failures...)
}

// echoChannel behaves like a host: submitted commands come straight back
// as sent commands.
type echoChannel struct {
	mu        sync.Mutex
	held      bool
	busy      bool
	submitted [][]string
	sched     *Scheduler
}

func (c *echoChannel) Hold(hold bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !hold {
		c.held = false
		return true
	}
	if c.busy || c.held {
		return false
	}
	c.held = true
	return true
}

func (c *echoChannel) Submit(_ context.Context, commands []string, tags gcode.Tags) error {
	c.mu.Lock()
	c.submitted = append(c.submitted, commands)
	c.mu.Unlock()
	for _, cmd := range commands {
		c.sched.GcodeSent("", cmd, tags)
	}
	return nil
}

func (c *echoChannel) Submissions() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.submitted...)
}

type fakeLookahead struct {
	canQueue bool
	target   int64
	markers  int
}

func (f fakeLookahead) CanQueueSnapshotAt(int64) bool { return f.canQueue }
func (f fakeLookahead) NextInfillPosition(int64) (int64, bool) {
	return f.target, f.canQueue
}
func (f fakeLookahead) MarkerCount() int { return f.markers }

type harness struct {
	sched    *Scheduler
	camera   *fakeCamera
	channel  *echoChannel
	listener *recordingListener
	tracker  *position.Tracker
	dir      string
}

func newHarness(t *testing.T, cfg Config, la Lookahead) *harness {
	t.Helper()
	h := &harness{
		camera:   &fakeCamera{gates: map[int]chan struct{}{}},
		channel:  &echoChannel{},
		listener: &recordingListener{},
		tracker:  position.New(),
		dir:      t.TempDir(),
	}
	cfg.CaptureDir = h.dir
	h.sched = New(cfg, Dependencies{
		Tracker:   h.tracker,
		Lookahead: la,
		Camera:    h.camera,
		Channel:   h.channel,
		Listener:  h.listener,
	})
	h.channel.sched = h.sched
	require.NoError(t, h.sched.Start(context.Background()))
	return h
}

func (h *harness) finish(t *testing.T) []core.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames, err := h.sched.Finish(ctx)
	require.NoError(t, err)
	return frames
}

func stabilized() stabilization.Settings {
	s := stabilization.DefaultSettings()
	s.Enabled = true
	s.InfillLookahead = true
	return s
}

func TestDoSnapshot_PausedDoesNothing(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()}, nil)
	h.sched.Pause()
	require.Equal(t, Paused, h.sched.State())

	h.sched.DoSnapshot(100, false)

	assert.Empty(t, h.channel.Submissions())
	assert.Zero(t, h.camera.Calls())
	assert.Empty(t, h.finish(t))
}

func TestDoSnapshot_UnstabilizedCapture(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.sched.DoSnapshot(42, false)

	frames := h.finish(t)
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].Index)
	assert.Equal(t, filepath.Join(h.dir, "00001.jpg"), frames[0].Path)
	assert.Equal(t, int64(42), frames[0].FilePos)
	assert.False(t, frames[0].Stabilized)
	assert.Positive(t, frames[0].Size)
	assert.Empty(t, h.channel.Submissions())
}

func TestDoSnapshot_StabilizedCapture(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()}, nil)
	for _, l := range []string{"G90", "M82", "G1 X10 Y20 Z5 E100 F1200"} {
		h.sched.GcodeSent("", l, nil)
	}
	before := h.tracker.Position()

	h.sched.DoSnapshot(77, false)

	subs := h.channel.Submissions()
	require.Len(t, subs, 1)
	assert.Contains(t, subs[0], stabilization.TriggerCommand)

	frames := h.finish(t)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Stabilized)
	assert.Equal(t, int64(77), frames[0].FilePos)
	assert.Equal(t, before, h.tracker.Position(), "parking sequence returns to the start")
}

func TestDoSnapshot_DefersToInfill(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()},
		fakeLookahead{canQueue: true, target: 500, markers: 10})

	h.sched.DoSnapshot(100, false)
	target, ok := h.sched.Pending()
	require.True(t, ok)
	assert.Equal(t, int64(500), target)
	assert.Empty(t, h.channel.Submissions(), "no photo yet")

	// A second request while one is pending is not deferred again.
	h.sched.DoSnapshot(150, false)
	target, ok = h.sched.Pending()
	require.True(t, ok)
	assert.Equal(t, int64(500), target)
	assert.Len(t, h.channel.Submissions(), 1)

	assert.Nil(t, h.sched.GcodeQueuing("G1 X1 E1", gcode.Tags{gcode.FilePosTag(499)}))
	got := h.sched.GcodeQueuing("G1 X2 E2", gcode.Tags{gcode.FilePosTag(510)})
	assert.Equal(t, []string{QueuedTriggerCommand, "G1 X2 E2"}, got)
	_, ok = h.sched.Pending()
	assert.False(t, ok)

	h.sched.GcodeSent("", QueuedTriggerCommand, gcode.Tags{gcode.FilePosTag(510)})
	assert.Len(t, h.channel.Submissions(), 2, "resolved deferral is stabilized, not deferred again")
	_, ok = h.sched.Pending()
	assert.False(t, ok)

	frames := h.finish(t)
	require.Len(t, frames, 2)
}

func TestDoSnapshot_DeferralWaitsOutPause(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()},
		fakeLookahead{canQueue: true, target: 500, markers: 10})

	h.sched.DoSnapshot(100, false)
	h.sched.Pause()

	assert.Nil(t, h.sched.GcodeQueuing("G1 X2 E2", gcode.Tags{gcode.FilePosTag(510)}))
	target, ok := h.sched.Pending()
	require.True(t, ok, "deferral is kept while paused")
	assert.Equal(t, int64(500), target)

	h.sched.Resume()
	got := h.sched.GcodeQueuing("G1 X3 E3", gcode.Tags{gcode.FilePosTag(520)})
	assert.Equal(t, []string{QueuedTriggerCommand, "G1 X3 E3"}, got)
	_, ok = h.sched.Pending()
	assert.False(t, ok)

	h.sched.GcodeSent("", QueuedTriggerCommand, gcode.Tags{gcode.FilePosTag(520)})
	require.Len(t, h.channel.Submissions(), 1)

	frames := h.finish(t)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Stabilized)
	assert.Equal(t, int64(520), frames[0].FilePos)
}

func TestDoSnapshot_NoDeferralBehindQueue(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()},
		fakeLookahead{canQueue: true, target: 500, markers: 10})

	h.sched.GcodeQueuing("G1 X1", gcode.Tags{gcode.FilePosTag(600)})
	h.sched.DoSnapshot(100, false)

	_, ok := h.sched.Pending()
	assert.False(t, ok, "target already passed in the queue")
	assert.Len(t, h.channel.Submissions(), 1)
	h.finish(t)
}

func TestDoSnapshot_LookaheadDisabled(t *testing.T) {
	s := stabilized()
	s.InfillLookahead = false
	h := newHarness(t, Config{Stabilization: s}, fakeLookahead{canQueue: true, target: 500})

	h.sched.DoSnapshot(100, false)
	_, ok := h.sched.Pending()
	assert.False(t, ok)
	h.finish(t)
}

func TestDoSnapshot_ConfigurationErrorFallsBack(t *testing.T) {
	s := stabilized()
	s.ParkX = stabilization.Axis{Mode: stabilization.ModeFixed, Value: 500}
	s.Limits.X = stabilization.Range{Min: 0, Max: 220}
	h := newHarness(t, Config{Stabilization: s}, nil)

	h.sched.DoSnapshot(10, false)

	assert.Empty(t, h.channel.Submissions())
	frames := h.finish(t)
	require.Len(t, frames, 1)
	assert.False(t, frames[0].Stabilized)

	failures := h.listener.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureConfiguration, failures[0].Kind)
}

func TestDoSnapshot_ChannelBusyFallsBack(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()}, nil)
	h.channel.busy = true

	h.sched.DoSnapshot(10, false)

	frames := h.finish(t)
	require.Len(t, frames, 1)
	failures := h.listener.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureBusy, failures[0].Kind)
}

func TestCapture_CameraFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.camera.err = fmt.Errorf("connection refused")

	h.sched.DoSnapshot(1, false)

	assert.Empty(t, h.finish(t))
	failures := h.listener.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureTransport, failures[0].Kind)
	assert.Contains(t, failures[0].Message, "connection refused")
}

func TestFinish_WaitsForInFlightCaptures(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	gate := make(chan struct{})
	h.camera.gates[1] = gate

	h.sched.DoSnapshot(1, false)

	done := make(chan []core.Frame)
	go func() {
		frames, _ := h.sched.Finish(context.Background())
		done <- frames
	}()

	select {
	case <-done:
		t.Fatal("Finish returned before the capture completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case frames := <-done:
		assert.Len(t, frames, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("Finish did not return")
	}
}

func TestCapture_NumberedInCompletionOrder(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	gate := make(chan struct{})
	h.camera.gates[1] = gate

	h.sched.DoSnapshot(1, false)
	require.Eventually(t, func() bool { return h.camera.Calls() == 1 }, time.Second, time.Millisecond)
	h.sched.DoSnapshot(2, false)
	require.Eventually(t, func() bool { return len(h.sched.Frames()) == 1 }, time.Second, time.Millisecond)
	close(gate)

	frames := h.finish(t)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(2), frames[0].FilePos)
	assert.Equal(t, int64(1), frames[1].FilePos)

	first, err := os.ReadFile(filepath.Join(h.dir, "00001.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "shot-2", string(first))
}

func TestCapture_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentCaptures: 1}, nil)
	gate := make(chan struct{})
	h.camera.gates[1] = gate

	h.sched.DoSnapshot(1, false)
	require.Eventually(t, func() bool { return h.camera.Calls() == 1 }, time.Second, time.Millisecond)
	h.sched.DoSnapshot(2, false)

	failures := h.listener.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureBusy, failures[0].Kind)

	close(gate)
	assert.Len(t, h.finish(t), 1)
}

func TestGcodeSent_RoutesSnapshotCommand(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.sched.GcodeSent("", "@snapshot ; layer 3", gcode.Tags{gcode.FilePosTag(1234)})
	h.sched.GcodeSent("", "@PAUSE", nil)
	h.sched.Action("SNAPSHOT")

	frames := h.finish(t)
	require.Len(t, frames, 2)
	positions := []int64{frames[0].FilePos, frames[1].FilePos}
	assert.ElementsMatch(t, []int64{1234, -1}, positions)
}

func TestTimedMode(t *testing.T) {
	h := newHarness(t, Config{Mode: core.CaptureTimed, Interval: 10 * time.Millisecond}, nil)

	h.sched.GcodeSent("", "@SNAPSHOT", nil)
	require.Eventually(t, func() bool { return len(h.sched.Frames()) >= 2 }, 5*time.Second, 5*time.Millisecond)

	frames := h.finish(t)
	assert.GreaterOrEqual(t, len(frames), 3, "timer frames plus the final one")
	for _, f := range frames {
		assert.Equal(t, int64(-1), f.FilePos, "job file commands are ignored in timed mode")
	}
}

func TestStateTransitions(t *testing.T) {
	h := newHarness(t, Config{Stabilization: stabilized()},
		fakeLookahead{canQueue: true, target: 500, markers: 1})

	assert.ErrorIs(t, h.sched.Start(context.Background()), ErrNotRunning)

	h.sched.DoSnapshot(100, false)
	h.sched.Halt()
	assert.Equal(t, Halted, h.sched.State())
	assert.False(t, h.sched.Capturing())
	_, ok := h.sched.Pending()
	assert.True(t, ok, "deferral survives a halt")

	h.sched.Resume() // not paused: ignored
	assert.Equal(t, Halted, h.sched.State())

	h.sched.DoSnapshot(200, false)
	assert.Empty(t, h.channel.Submissions())

	h.sched.ResumeFromHalt()
	assert.True(t, h.sched.Capturing())

	h.finish(t)
	_, ok = h.sched.Pending()
	assert.False(t, ok, "job end clears the deferral")
	assert.Equal(t, []bool{true, false, true, false}, h.listener.capturing)

	_, err := h.sched.Finish(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSweepProgress(t *testing.T) {
	s := stabilized()
	s.InfillLookahead = false
	s.ParkX = stabilization.Axis{Mode: stabilization.ModeSweep, From: 0, To: 200, Ease: stabilization.EaseLinear}
	h := newHarness(t, Config{Stabilization: s}, fakeLookahead{markers: 4})

	h.sched.DoSnapshot(1, false)
	h.sched.DoSnapshot(2, false)

	subs := h.channel.Submissions()
	require.Len(t, subs, 2)
	assert.True(t, hasPrefix(subs[0], "G0 X0 "), "first snapshot at progress 0")
	assert.True(t, hasPrefix(subs[1], "G0 X50 "), "second snapshot at progress 1/4")
	h.finish(t)
}

func hasPrefix(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
