package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/gcode"
)

// Bridge protocol. The host writes one request per line on stdin:
//
//	EVENT <name> [args...]   host lifecycle event, e.g. EVENT :PRINT:STARTED: /path/part.gcode part
//	                         args are tab separated when any of them contains spaces
//	QUEUE <filepos> <line>   a job file line entering the send queue
//	SENT <filepos> <line>    a line sent to the printer; filepos "-" for none
//	SENT synth <line>        a line submitted by the recorder, sent back
//	ACTION <name>            an "action:" notification from the printer
//
// Replies on stdout:
//
//	QUEUE <filepos> <cmd>[\t<cmd>...]   the commands to queue instead of the line
//	HOLD on|off                         pause or resume sending job lines around SUBMITs
//	SUBMIT <cmd>                        a command the host must send, then echo as SENT synth
//	ERROR <message>                     a request that could not be handled
//
// Every SUBMIT batch is framed by HOLD on and HOLD off, also when the
// batch is cut short.
const (
	reqEvent  = "EVENT"
	reqQueue  = "QUEUE"
	reqSent   = "SENT"
	reqAction = "ACTION"

	replyHold   = "HOLD"
	replySubmit = "SUBMIT"
	replyError  = "ERROR"

	holdOn  = "on"
	holdOff = "off"

	noFilePos    = "-"
	synthFilePos = "synth"
)

// Hooks are the G-code callbacks of the recorder. *handlers.Service satisfies it.
type Hooks interface {
	GcodeQueuing(cmd string, tags gcode.Tags) []string
	GcodeSent(code, raw string, tags gcode.Tags)
	Action(name string)
}

// bridge connects a print host speaking the line protocol to the recorder.
// It is the stabilization.Channel of every job: submitted sequences are
// handed to the host as SUBMIT replies.
type bridge struct {
	out   io.Writer
	outMu sync.Mutex

	mu   sync.Mutex
	held bool
}

func newBridge(out io.Writer) *bridge {
	return &bridge{out: out}
}

// Hold grants exclusive use of the channel when it is free and tells the
// host to stop or restart sending job lines.
func (b *bridge) Hold(hold bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hold && b.held {
		return false
	}
	if hold == b.held {
		return true
	}
	b.held = hold
	state := holdOff
	if hold {
		state = holdOn
	}
	// A failed write surfaces on the next SUBMIT.
	_ = b.reply(replyHold, state)
	return true
}

// Submit hands commands to the host in order.
func (b *bridge) Submit(ctx context.Context, commands []string, _ gcode.Tags) error {
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.reply(replySubmit, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (b *bridge) reply(fields ...string) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	_, err := fmt.Fprintln(b.out, strings.Join(fields, " "))
	return err
}

// run reads requests from r until EOF or ctx is done.
func (b *bridge) run(ctx context.Context, r io.Reader, d *dispatcher.Dispatcher, hooks Hooks) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := b.handle(line, d, hooks); err != nil {
				Logger.Warn("bridge request failed", "request", line, "error", err)
				if replyErr := b.reply(replyError, err.Error()); replyErr != nil {
					return replyErr
				}
			}
		}
	}
}

func (b *bridge) handle(line string, d *dispatcher.Dispatcher, hooks Hooks) error {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	kind, rest, _ := strings.Cut(line, " ")

	switch strings.ToUpper(kind) {
	case reqEvent:
		fields := eventFields(rest)
		if len(fields) == 0 {
			return errors.New("EVENT without name")
		}
		return d.Dispatch(dispatcher.Event{
			Name:      fields[0],
			Args:      fields[1:],
			Timestamp: time.Now(),
		})

	case reqQueue:
		pos, cmd, tags, err := parseCommand(rest)
		if err != nil {
			return err
		}
		cmds := hooks.GcodeQueuing(cmd, tags)
		if cmds == nil {
			cmds = []string{cmd}
		}
		return b.reply(reqQueue, pos, strings.Join(cmds, "\t"))

	case reqSent:
		_, cmd, tags, err := parseCommand(rest)
		if err != nil {
			return err
		}
		hooks.GcodeSent(gcode.Code(cmd), cmd, tags)
		return nil

	case reqAction:
		hooks.Action(strings.TrimSpace(rest))
		return nil
	}
	return fmt.Errorf("unknown request %q", kind)
}

func eventFields(s string) []string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "\t") {
		return strings.Fields(s)
	}
	i := strings.IndexAny(s, " \t")
	fields := []string{s[:i]}
	for _, a := range strings.Split(strings.TrimLeft(s[i:], " \t"), "\t") {
		fields = append(fields, strings.TrimSpace(a))
	}
	return fields
}

// parseCommand splits "<filepos> <line>" and builds the command tags.
func parseCommand(s string) (pos, cmd string, tags gcode.Tags, err error) {
	pos, cmd, ok := strings.Cut(s, " ")
	if !ok || strings.TrimSpace(cmd) == "" {
		return "", "", nil, fmt.Errorf("expected <filepos> <line>, got %q", s)
	}
	cmd = strings.TrimSpace(cmd)

	switch pos {
	case noFilePos:
	case synthFilePos:
		tags = gcode.Tags{gcode.TagSynthesized}
	default:
		n, err := strconv.ParseInt(pos, 10, 64)
		if err != nil || n < 0 {
			return "", "", nil, fmt.Errorf("invalid filepos %q", pos)
		}
		tags = gcode.Tags{gcode.FilePosTag(n)}
	}
	return pos, cmd, tags, nil
}
