package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownEvent is returned for events without a registered handler.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrQueueFull is returned when a non-blocking buffered handler drops an event.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Event is a host lifecycle notification or a recorder notification.
type Event struct {
	Name      string
	Args      []string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger Logger

	processed metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
	queueSize metric.Int64ObservableGauge

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	buffers  map[string]chan Event
	closed   bool
	drain    sync.WaitGroup
	pending  atomic.Int64
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}

	m := meter()
	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for name, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("event", name)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	if d.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Total events processed")); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	if d.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	if d.failed, err = m.Int64Counter("dispatcher.events.failed",
		metric.WithDescription("Total buffered events whose handler failed")); err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given event name with optional configuration.
func (d *Dispatcher) Register(name string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h
	if cfg.logged {
		handler = d.withLogging(name, handler)
	}
	if cfg.bufferSize > 0 {
		handler = d.withBuffer(name, cfg.bufferSize, cfg.blocking, handler)
	}

	d.mu.Lock()
	d.handlers[name] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler. A zero Timestamp is
// set to now.
func (d *Dispatcher) Dispatch(e Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Name]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, e.Name)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the event name.
func (d *Dispatcher) HasHandler(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Close stops accepting events and waits until every buffered queue has
// been drained, or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.drain.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher queues: %w", ctx.Err())
	}
}

// Flush waits until every buffered event accepted so far has been handled,
// or ctx is done. Events dispatched concurrently may extend the wait.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush dispatcher queues: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) withBuffer(name string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[name] = buffer
	d.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("event", name))

	d.drain.Add(1)
	go func() {
		defer d.drain.Done()
		for e := range buffer {
			if err := d.safeCall(h, e); err != nil {
				d.failed.Add(context.Background(), 1, attrs)
			}
			d.processed.Add(context.Background(), 1, attrs)
			d.pending.Add(-1)
		}
	}()

	// Sends on a closed buffer are ruled out by holding the read lock,
	// since Close takes the write lock before closing.
	if blocking {
		return func(e Event) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			if d.closed {
				return ErrClosed
			}
			d.pending.Add(1)
			buffer <- e
			return nil
		}
	}

	return func(e Event) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return ErrClosed
		}
		d.pending.Add(1)
		select {
		case buffer <- e:
			return nil
		default:
			d.pending.Add(-1)
			d.dropped.Add(context.Background(), 1, attrs)
			return fmt.Errorf("%w: %s", ErrQueueFull, name)
		}
	}
}

func (d *Dispatcher) safeCall(h HandlerFunc, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Error("event handler panicked", "event", e.Name, "panic", r)
		}
	}()
	return h(e)
}

func (d *Dispatcher) withLogging(name string, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "event", name, "args", len(e.Args))

		err := h(e)
		if err != nil {
			d.logger.Error("event failed", "event", name, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "event", name, "duration", time.Since(start))
		}
		return err
	}
}
