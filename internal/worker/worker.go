package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/scheduler"
	"github.com/timelapseplus/extension/internal/storage"
)

// Recorder notifications routed through the dispatcher.
const (
	EventFrame     = ":FRAME:"
	EventFailure   = ":FAILURE:"
	EventCapturing = ":CAPTURING:"
	EventSegment   = ":SEGMENT:"
)

// PointWriter receives capture metrics. *influx.Manager satisfies it.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
	// Metrics is optional.
	Metrics PointWriter
}

// Manager persists scheduler notifications. It implements scheduler.Listener
// by turning every callback into a dispatcher event, so capture goroutines
// never block on storage.
type Manager struct {
	deps    Dependencies
	backend storage.Backend

	mu      sync.RWMutex
	jobName string

	capturing atomic.Bool
	frames    atomic.Int64
	failures  atomic.Int64
	segments  atomic.Int64
}

var _ scheduler.Listener = (*Manager)(nil)

// NewManager creates a new worker manager
func NewManager(deps Dependencies, backend storage.Backend) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		backend: backend,
	}
}

// BeginJob resets the counters for a new job.
func (m *Manager) BeginJob(name string) {
	m.mu.Lock()
	m.jobName = name
	m.mu.Unlock()
	m.capturing.Store(false)
	m.frames.Store(0)
	m.failures.Store(0)
	m.segments.Store(0)
}

// JobName returns the name given to the last BeginJob.
func (m *Manager) JobName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobName
}

// Capturing reports the last capturing flag seen.
func (m *Manager) Capturing() bool {
	return m.capturing.Load()
}

// FrameCount returns the frames handled since BeginJob.
func (m *Manager) FrameCount() int {
	return int(m.frames.Load())
}

// FailureCount returns the failures handled since BeginJob.
func (m *Manager) FailureCount() int {
	return int(m.failures.Load())
}

// SegmentCount returns the segments handled since BeginJob.
func (m *Manager) SegmentCount() int {
	return int(m.segments.Load())
}

// LogAttrs returns the job attributes added to every log record.
func (m *Manager) LogAttrs() []slog.Attr {
	name := m.JobName()
	if name == "" {
		return nil
	}
	return []slog.Attr{
		slog.String("job", name),
		slog.Int("frames", m.FrameCount()),
	}
}

// GetLastDBWriteDuration returns the duration of the last DB write cycle.
// Returns 0 if the backend doesn't support this metric.
func (m *Manager) GetLastDBWriteDuration() time.Duration {
	if p, ok := m.backend.(storage.WriteDurationProvider); ok {
		return p.GetLastDBWriteDuration()
	}
	return 0
}

func (m *Manager) dispatch(name string, payload any) {
	err := m.deps.Dispatcher.Dispatch(dispatcher.Event{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.deps.Logger.Warn("dropped recorder event", "event", name, "error", err)
	}
}
