package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.add("DEBUG", msg, keysAndValues) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.add("INFO", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.add("ERROR", msg, keysAndValues) }

func (l *testLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("%s: %s %v", level, msg, kv))
}

func (l *testLogger) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register(":PRINT:STARTED:", func(e Event) error {
		got = e
		return nil
	})

	err := d.Dispatch(Event{Name: ":PRINT:STARTED:", Args: []string{"/jobs/benchy.gcode"}})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(got.Args) != 1 || got.Args[0] != "/jobs/benchy.gcode" {
		t.Errorf("handler got wrong args: %v", got.Args)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected Dispatch to stamp the event")
	}
}

func TestDispatcher_UnknownEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(Event{Name: ":UNKNOWN:"})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(":FRAME:", func(e Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(Event{Name: ":FRAME:", Payload: i}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	defer close(block)
	d.Register(":FULL:", func(e Event) error {
		<-block
		return nil
	}, Buffered(2))

	// At most one event in the handler plus two in the queue fit.
	dropped := 0
	for i := 0; i < 5; i++ {
		if err := d.Dispatch(Event{Name: ":FULL:"}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}

	if dropped < 2 {
		t.Errorf("expected at least 2 dropped events, got %d", dropped)
	}
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Register(":BLOCKING:", func(e Event) error {
		<-block
		return nil
	}, Buffered(1), Blocking())

	d.Dispatch(Event{Name: ":BLOCKING:"})
	d.Dispatch(Event{Name: ":BLOCKING:"})

	done := make(chan struct{})
	go func() {
		d.Dispatch(Event{Name: ":BLOCKING:"})
		d.Dispatch(Event{Name: ":BLOCKING:"})
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-done
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(":ERROR:", func(e Event) error {
		return fmt.Errorf("test error")
	}, Logged())

	if err := d.Dispatch(Event{Name: ":ERROR:"}); err == nil {
		t.Error("expected handler error to be returned")
	}
	if !logger.has("DEBUG: handling event") {
		t.Error("expected debug log message")
	}
	if !logger.has("ERROR: event failed") {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(":EXISTS:", func(e Event) error { return nil })

	if !d.HasHandler(":EXISTS:") {
		t.Error("expected handler to exist")
	}
	if d.HasHandler(":NOT_EXISTS:") {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_BufferedPanicRecovered(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var processed atomic.Int32
	d.Register(":PANIC:", func(e Event) error {
		if e.Payload == "boom" {
			panic("boom")
		}
		processed.Add(1)
		return nil
	}, Buffered(10))

	d.Dispatch(Event{Name: ":PANIC:", Payload: "boom"})
	d.Dispatch(Event{Name: ":PANIC:", Payload: "fine"})

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if processed.Load() != 1 {
		t.Errorf("expected the queue to survive a panic, processed %d", processed.Load())
	}
	if !logger.has("ERROR: event handler panicked") {
		t.Error("expected panic to be logged")
	}
}

func TestDispatcher_CloseDrainsQueues(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	d.Register(":SEGMENT:", func(e Event) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	}, Buffered(100), Logged())

	for i := 0; i < 20; i++ {
		d.Dispatch(Event{Name: ":SEGMENT:"})
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if processed.Load() != 20 {
		t.Errorf("expected 20 processed after close, got %d", processed.Load())
	}
	if err := d.Dispatch(Event{Name: ":SEGMENT:"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestDispatcher_FlushWaitsForBuffered(t *testing.T) {
	d, _ := newTestDispatcher(t)
	defer d.Close(context.Background())

	var processed atomic.Int32
	d.Register(":FRAME:", func(e Event) error {
		time.Sleep(2 * time.Millisecond)
		processed.Add(1)
		return nil
	}, Buffered(10), Blocking())

	for i := 0; i < 5; i++ {
		if err := d.Dispatch(Event{Name: ":FRAME:"}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if processed.Load() != 5 {
		t.Errorf("expected 5 processed after flush, got %d", processed.Load())
	}
}

func TestDispatcher_FlushHonoursContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	d.Register(":FRAME:", func(e Event) error {
		<-release
		return nil
	}, Buffered(1))

	if err := d.Dispatch(Event{Name: ":FRAME:"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
}
