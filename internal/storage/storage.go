// internal/storage/storage.go
package storage

import (
	"errors"
	"time"

	"github.com/timelapseplus/extension/pkg/core"
)

// ErrNoActiveJob is returned when a record arrives outside StartJob/EndJob.
var ErrNoActiveJob = errors.New("no active job")

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Job management (StartJob assigns the ID to the passed pointer)
	StartJob(job *core.Job) error
	EndJob(job *core.Job, frames []core.Frame) error

	// Recording
	RecordFrame(f *core.Frame) error
	RecordFailure(f *core.SnapshotFailure) error
	RecordSegment(s *core.Segment) error
}

// Exportable is an optional interface for backends that write a file when
// a job ends.
type Exportable interface {
	GetExportedFilePath() string
}

// WriteDurationProvider is an optional interface for backends that batch
// writes and can report the duration of the last batch.
type WriteDurationProvider interface {
	GetLastDBWriteDuration() time.Duration
}

// CapturingReporter is an optional interface for backends that show whether
// a snapshot is in progress.
type CapturingReporter interface {
	RecordCapturing(capturing bool) error
}

// QueueReporter is an optional interface for backends that queue records
// before writing them.
type QueueReporter interface {
	QueueLengths() (frames, failures, segments int)
}
