// internal/storage/memory/memory.go
package memory

import (
	"sync"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
)

// Backend keeps the current job in memory and exports it to JSON when it ends
type Backend struct {
	cfg config.MemoryConfig
	job *core.Job

	frames   []core.Frame
	failures []core.SnapshotFailure
	segments []core.Segment

	idCounter      uint
	lastExportPath string
	mu             sync.RWMutex
}

var _ storage.Backend = (*Backend)(nil)
var _ storage.Exportable = (*Backend)(nil)

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartJob begins recording a new job
func (b *Backend) StartJob(job *core.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.idCounter++
	job.ID = b.idCounter
	b.job = job

	// Reset all collections
	b.frames = nil
	b.failures = nil
	b.segments = nil

	return nil
}

// EndJob finalizes and exports the job data
func (b *Backend) EndJob(job *core.Job, frames []core.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.job == nil {
		return storage.ErrNoActiveJob
	}
	b.job = job
	if len(frames) > 0 {
		b.frames = append([]core.Frame(nil), frames...)
	}
	err := b.exportJSON()
	b.job = nil
	return err
}

// RecordFrame appends a captured frame
func (b *Backend) RecordFrame(f *core.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.job == nil {
		return storage.ErrNoActiveJob
	}
	b.frames = append(b.frames, *f)
	return nil
}

// RecordFailure appends a snapshot failure
func (b *Backend) RecordFailure(f *core.SnapshotFailure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.job == nil {
		return storage.ErrNoActiveJob
	}
	b.failures = append(b.failures, *f)
	return nil
}

// RecordSegment appends a toolpath segment
func (b *Backend) RecordSegment(s *core.Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.job == nil {
		return storage.ErrNoActiveJob
	}
	b.segments = append(b.segments, *s)
	return nil
}

// Frames returns a copy of the frames recorded for the current job
func (b *Backend) Frames() []core.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]core.Frame(nil), b.frames...)
}

// GetExportedFilePath returns the path of the last exported file
func (b *Backend) GetExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
