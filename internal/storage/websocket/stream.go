package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/timelapseplus/extension/pkg/streaming"
)

const (
	controlQueueSize   = 1024
	telemetryQueueSize = 512
	maxRedials         = 10
	maxBackoff         = 30 * time.Second
	writeWait          = 10 * time.Second
	ackTimeout         = 10 * time.Second
)

var errStreamClosed = errors.New("stream closed")

// stream is one logical connection to the live UI. Job and frame messages
// go through the control queue and are only dropped when it is full;
// position segments go through the telemetry queue, which drops its oldest
// entry to make room. A single writer drains both, control first.
type stream struct {
	rawURL  string
	secret  string
	backoff time.Duration
	logger  *slog.Logger

	control   chan []byte
	telemetry chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *ws.Conn
	resume  []byte                   // start_job of the running job, resent after a redial
	waiters map[string]chan struct{} // message type -> pending ack

	redialing atomic.Bool
	dropped   atomic.Int64
}

func newStream(logger *slog.Logger) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		backoff:   time.Second,
		logger:    logger,
		control:   make(chan []byte, controlQueueSize),
		telemetry: make(chan []byte, telemetryQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		waiters:   make(map[string]chan struct{}),
	}
}

// open dials the server and starts the reader and writer.
func (s *stream) open(rawURL, secret string) error {
	s.rawURL, s.secret = rawURL, secret
	conn, err := s.dial()
	if err != nil {
		return err
	}
	s.attach(conn)
	return nil
}

func (s *stream) dial() (*ws.Conn, error) {
	u, err := url.Parse(s.rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if s.secret != "" {
		q := u.Query()
		q.Set("secret", s.secret)
		u.RawQuery = q.Encode()
	}
	dialCtx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()
	conn, _, err := ws.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (s *stream) attach(conn *ws.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.write(conn)
	go s.read(conn)
}

// write sends queued messages on conn until it fails or the stream closes.
func (s *stream) write(conn *ws.Conn) {
	for {
		var data []byte
		select {
		case data = <-s.control:
		default:
			select {
			case <-s.ctx.Done():
				return
			case data = <-s.control:
			case data = <-s.telemetry:
			}
		}

		err := conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err == nil {
			err = conn.WriteMessage(ws.TextMessage, data)
		}
		if err != nil {
			s.lost(conn, "write", err)
			return
		}
	}
}

// read routes server acks to their waiters.
func (s *stream) read(conn *ws.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, "read", err)
			return
		}
		var ack streaming.AckMessage
		if err := json.Unmarshal(msg, &ack); err != nil || ack.Type != "ack" {
			s.logger.Debug("Ignoring server message", "raw", string(msg))
			continue
		}
		s.mu.Lock()
		if ch, ok := s.waiters[ack.For]; ok {
			delete(s.waiters, ack.For)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// lost handles a failed connection. Reader and writer both report the same
// failure; only the first starts a redial.
func (s *stream) lost(conn *ws.Conn, op string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	if !current || !s.redialing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("WebSocket connection lost", "op", op, "error", err)
	go s.redial()
}

func (s *stream) redial() {
	defer s.redialing.Store(false)

	backoff := s.backoff
	for attempt := 1; attempt <= maxRedials; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("WebSocket redial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		s.mu.Lock()
		resume := s.resume
		s.mu.Unlock()
		if resume != nil {
			err = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = conn.WriteMessage(ws.TextMessage, resume)
			}
			if err != nil {
				s.logger.Warn("Failed to resend start_job after redial", "error", err)
				_ = conn.Close()
				continue
			}
		}

		if s.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		s.attach(conn)
		s.logger.Info("WebSocket reconnected", "attempt", attempt)
		return
	}
	s.logger.Error("WebSocket redial gave up", "attempts", maxRedials)
}

func (s *stream) setResume(data []byte) {
	s.mu.Lock()
	s.resume = data
	s.mu.Unlock()
}

// enqueue queues a control message without blocking.
func (s *stream) enqueue(data []byte) {
	select {
	case s.control <- data:
	default:
		s.dropped.Add(1)
		s.logger.Warn("WebSocket control queue full, dropping message")
	}
}

// enqueueTelemetry queues a telemetry message, evicting the oldest one when
// the queue is full.
func (s *stream) enqueueTelemetry(data []byte) {
	for {
		select {
		case s.telemetry <- data:
			return
		default:
		}
		select {
		case <-s.telemetry:
			s.dropped.Add(1)
		default:
		}
	}
}

// request queues data and waits for the server to ack msgType.
func (s *stream) request(data []byte, msgType string, timeout time.Duration) error {
	acked := make(chan struct{})
	s.mu.Lock()
	s.waiters[msgType] = acked
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.waiters[msgType] == acked {
			delete(s.waiters, msgType)
		}
		s.mu.Unlock()
	}()

	s.enqueue(data)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for ack of %q", msgType)
	case <-s.ctx.Done():
		return fmt.Errorf("%w while waiting for ack of %q", errStreamClosed, msgType)
	}
}

// close sends a close frame and stops the reader, writer and any redial.
func (s *stream) close() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
