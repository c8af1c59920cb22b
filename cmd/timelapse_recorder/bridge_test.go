package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/pkg/core"
)

type sentCommand struct {
	code string
	raw  string
	tags gcode.Tags
}

type fakeHooks struct {
	mu      sync.Mutex
	queued  []string
	sent    []sentCommand
	actions []string
}

func (f *fakeHooks) GcodeQueuing(cmd string, _ gcode.Tags) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, cmd)
	if cmd == "@SNAPSHOT" {
		return []string{"@SNAPSHOT-QUEUED", cmd}
	}
	return nil
}

func (f *fakeHooks) GcodeSent(code, raw string, tags gcode.Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{code: code, raw: raw, tags: tags})
}

func (f *fakeHooks) Action(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, name)
}

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d
}

func TestEventFields(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{":PRINT:DONE:", []string{":PRINT:DONE:"}},
		{"  :PRINT:STARTED: /prints/part.gcode part ", []string{":PRINT:STARTED:", "/prints/part.gcode", "part"}},
		{":PRINT:STARTED: /my prints/a b.gcode\ta b", []string{":PRINT:STARTED:", "/my prints/a b.gcode", "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := eventFields(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand(t *testing.T) {
	pos, cmd, tags, err := parseCommand("120 G1 X10 Y10 ")
	require.NoError(t, err)
	assert.Equal(t, "120", pos)
	assert.Equal(t, "G1 X10 Y10", cmd)
	n, ok := tags.FilePos()
	assert.True(t, ok)
	assert.Equal(t, int64(120), n)

	_, _, tags, err = parseCommand("synth G91")
	require.NoError(t, err)
	assert.True(t, tags.Synthesized())

	_, _, tags, err = parseCommand("- M105")
	require.NoError(t, err)
	assert.Empty(t, tags)

	for _, bad := range []string{"", "120", "120 ", "abc G28", "-5 G28"} {
		_, _, _, err := parseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestBridge_HoldAndSubmit(t *testing.T) {
	var out bytes.Buffer
	b := newBridge(&out)

	assert.True(t, b.Hold(true))
	assert.False(t, b.Hold(true))
	assert.True(t, b.Hold(false))
	assert.True(t, b.Hold(false))
	assert.Equal(t, "HOLD on\nHOLD off\n", out.String(), "refused and repeated holds are silent")

	out.Reset()
	require.NoError(t, b.Submit(context.Background(), []string{"G91", "G1 E-1"}, gcode.Tags{gcode.TagSynthesized}))
	assert.Equal(t, "SUBMIT G91\nSUBMIT G1 E-1\n", out.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Submit(ctx, []string{"G90"}, nil), context.Canceled)
}

func TestBridge_HoldFramesSequence(t *testing.T) {
	pos := func() core.Position { return core.Position{X: 10, Y: 20, Z: 5, E: 100, Feedrate: 1200} }

	t.Run("submitted", func(t *testing.T) {
		var out bytes.Buffer
		seq, err := stabilization.Run(context.Background(), newBridge(&out), pos, stabilization.DefaultSettings(), 0)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, len(seq.Commands)+2)
		assert.Equal(t, "HOLD on", lines[0])
		for i, cmd := range seq.Commands {
			assert.Equal(t, "SUBMIT "+cmd, lines[i+1])
		}
		assert.Equal(t, "HOLD off", lines[len(lines)-1])
	})

	t.Run("submit fails", func(t *testing.T) {
		var out bytes.Buffer
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := stabilization.Run(ctx, newBridge(&out), pos, stabilization.DefaultSettings(), 0)
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, "HOLD on\nHOLD off\n", out.String())
	})
}

func TestBridge_Run(t *testing.T) {
	d := newTestDispatcher(t)
	var started []string
	d.Register(":PRINT:STARTED:", func(e dispatcher.Event) error {
		started = e.Args
		return nil
	})

	input := strings.Join([]string{
		"EVENT :PRINT:STARTED: /prints/part.gcode part",
		"QUEUE 12 G1 X1",
		"QUEUE 20 @SNAPSHOT",
		"",
		"SENT 12 G1 X1\r",
		"SENT synth G91",
		"SENT - M105",
		"ACTION pause",
		"BOGUS x",
		"QUEUE nope",
		"EVENT :UNKNOWN:",
	}, "\n")

	var out bytes.Buffer
	b := newBridge(&out)
	hooks := &fakeHooks{}
	require.NoError(t, b.run(context.Background(), strings.NewReader(input), d, hooks))

	assert.Equal(t, []string{"/prints/part.gcode", "part"}, started)
	assert.Equal(t, []string{"G1 X1", "@SNAPSHOT"}, hooks.queued)
	assert.Equal(t, []string{"pause"}, hooks.actions)

	require.Len(t, hooks.sent, 3)
	assert.Equal(t, "G1", hooks.sent[0].code)
	assert.Equal(t, "G1 X1", hooks.sent[0].raw)
	pos, ok := hooks.sent[0].tags.FilePos()
	assert.True(t, ok)
	assert.Equal(t, int64(12), pos)
	assert.True(t, hooks.sent[1].tags.Synthesized())
	assert.Empty(t, hooks.sent[2].tags)

	assert.Equal(t, []string{
		"QUEUE 12 G1 X1",
		"QUEUE 20 @SNAPSHOT-QUEUED\t@SNAPSHOT",
		`ERROR unknown request "BOGUS"`,
		`ERROR expected <filepos> <line>, got "nope"`,
		"ERROR unknown event: :UNKNOWN:",
	}, strings.Split(strings.TrimSpace(out.String()), "\n"))
}

func TestBridge_RunCancelled(t *testing.T) {
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newBridge(io.Discard).run(ctx, r, newTestDispatcher(t), &fakeHooks{})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
