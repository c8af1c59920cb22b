// Package replay streams a job file through the G-code hooks the way a print
// host does, for offline runs and end-to-end tests.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/stabilization"
)

// Hooks are the host callbacks a replay drives. *scheduler.Scheduler and
// *handlers.Service satisfy it.
type Hooks interface {
	GcodeQueuing(cmd string, tags gcode.Tags) []string
	GcodeSent(code, raw string, tags gcode.Tags)
}

// Stats counts what a replay sent.
type Stats struct {
	// Lines is the number of job file lines sent.
	Lines int
	// Injected counts commands added by the queuing hook.
	Injected int
	// Synthesized counts commands submitted through the channel.
	Synthesized int
}

// Host is a simulated print host. It implements stabilization.Channel by
// sending submitted commands straight to the printer.
type Host struct {
	out io.Writer

	mu    sync.Mutex
	hooks Hooks
	held  bool
	stats Stats
	outMu sync.Mutex
}

var _ stabilization.Channel = (*Host)(nil)

// NewHost creates a host that writes every sent line to out. out may be nil.
func NewHost(out io.Writer) *Host {
	if out == nil {
		out = io.Discard
	}
	return &Host{out: out}
}

// Attach sets the hooks notified of queued and sent commands.
func (h *Host) Attach(hooks Hooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = hooks
}

// Stats returns the counters of the replay so far.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Hold grants exclusive use of the channel when it is free.
func (h *Host) Hold(hold bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hold && h.held {
		return false
	}
	h.held = hold
	return true
}

// Submit sends commands to the printer in order.
func (h *Host) Submit(ctx context.Context, commands []string, tags gcode.Tags) error {
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		h.stats.Synthesized++
		h.mu.Unlock()
		if err := h.send(cmd, tags); err != nil {
			return err
		}
	}
	return nil
}

// Play streams r line by line. Each line is tagged with its "filepos", the
// byte count up to and including the line, passed through the queuing hook
// and then sent. Comments and blank lines are not sent.
func (h *Host) Play(ctx context.Context, r io.Reader) error {
	hooks := h.currentHooks()
	if hooks == nil {
		return errors.New("replay: no hooks attached")
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var offset int64
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		line, err := br.ReadString('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			if cmd := gcode.StripComment(line); cmd != "" {
				if sendErr := h.queue(hooks, cmd, gcode.Tags{gcode.FilePosTag(offset)}); sendErr != nil {
					return sendErr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read job file: %w", err)
		}
	}
}

// PlayFile opens path and plays it.
func (h *Host) PlayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()
	return h.Play(ctx, f)
}

func (h *Host) queue(hooks Hooks, cmd string, tags gcode.Tags) error {
	cmds := hooks.GcodeQueuing(cmd, tags)
	if cmds == nil {
		cmds = []string{cmd}
	}

	h.mu.Lock()
	h.stats.Lines++
	h.stats.Injected += len(cmds) - 1
	h.mu.Unlock()

	for _, c := range cmds {
		if err := h.send(c, tags); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) send(cmd string, tags gcode.Tags) error {
	h.outMu.Lock()
	_, err := fmt.Fprintln(h.out, cmd)
	h.outMu.Unlock()
	if err != nil {
		return fmt.Errorf("write sent command: %w", err)
	}
	if hooks := h.currentHooks(); hooks != nil {
		hooks.GcodeSent(gcode.Code(cmd), cmd, tags)
	}
	return nil
}

func (h *Host) currentHooks() Hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooks
}

// StubCamera stands in for a camera during offline replays. Every capture
// writes an empty frame.
type StubCamera struct {
	// Delay simulates the camera latency.
	Delay time.Duration
}

// Capture implements scheduler.Camera.
func (c StubCamera) Capture(ctx context.Context, dir string) (string, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f, err := os.CreateTemp(dir, "replay-*.jpg")
	if err != nil {
		return "", fmt.Errorf("create stub frame: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.Clean(name), nil
}
