package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
	"github.com/timelapseplus/extension/pkg/streaming"
)

// Backend streams job progress over WebSocket to a live UI.
// start_job and end_job wait for an ack; everything else is fire-and-forget.
type Backend struct {
	conn       *stream
	cfg        config.WebSocketConfig
	ackTimeout time.Duration
}

var _ storage.Backend = (*Backend)(nil)
var _ storage.CapturingReporter = (*Backend)(nil)

// New creates a new WebSocket storage backend.
func New(cfg config.WebSocketConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		conn:       newStream(logger),
		cfg:        cfg,
		ackTimeout: ackTimeout,
	}
}

// Init connects to the WebSocket server.
func (b *Backend) Init() error {
	return b.conn.open(b.cfg.URL, b.cfg.Secret)
}

// Close disconnects from the WebSocket server.
func (b *Backend) Close() error {
	return b.conn.close()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(streaming.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

func (b *Backend) sendEnvelope(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	if msgType == streaming.TypePositionSegment {
		b.conn.enqueueTelemetry(data)
	} else {
		b.conn.enqueue(data)
	}
	return nil
}

// Dropped returns the number of messages discarded because a queue was full.
func (b *Backend) Dropped() int64 {
	return b.conn.dropped.Load()
}

// StartJob sends start_job and waits for the server ack. The message is
// replayed if the connection drops while the job runs.
func (b *Backend) StartJob(job *core.Job) error {
	data, err := marshalEnvelope(streaming.TypeStartJob, streaming.StartJobPayload{Job: job})
	if err != nil {
		return err
	}

	b.conn.setResume(data)
	return b.conn.request(data, streaming.TypeStartJob, b.ackTimeout)
}

// EndJob sends end_job and waits for the server ack.
func (b *Backend) EndJob(job *core.Job, frames []core.Frame) error {
	data, err := marshalEnvelope(streaming.TypeEndJob, streaming.EndJobPayload{Job: job, Frames: len(frames)})
	if err != nil {
		return err
	}
	b.conn.setResume(nil)
	return b.conn.request(data, streaming.TypeEndJob, b.ackTimeout)
}

func (b *Backend) RecordFrame(f *core.Frame) error {
	return b.sendEnvelope(streaming.TypeFrameTaken, f)
}

func (b *Backend) RecordFailure(f *core.SnapshotFailure) error {
	return b.sendEnvelope(streaming.TypeSnapshotFailed, f)
}

func (b *Backend) RecordSegment(s *core.Segment) error {
	return b.sendEnvelope(streaming.TypePositionSegment, s)
}

// RecordCapturing reports a change of the capturing flag.
func (b *Backend) RecordCapturing(capturing bool) error {
	return b.sendEnvelope(streaming.TypeCapturingChanged, streaming.CapturingPayload{Capturing: capturing})
}
