// Package gormstorage implements the storage.Backend interface on any GORM
// database with internal queues and a background DB writer goroutine.
// Jobs are inserted synchronously so the ID is known; frames, failures and
// segments are batched.
package gormstorage

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timelapseplus/extension/internal/database"
	"github.com/timelapseplus/extension/internal/model"
	"github.com/timelapseplus/extension/internal/model/convert"
	"github.com/timelapseplus/extension/internal/queue"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"

	"gorm.io/gorm"
)

// DefaultFlushInterval is how often the writer drains the queues.
const DefaultFlushInterval = 2 * time.Second

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	Manager *database.Manager
	Logger  *slog.Logger
	// Settings is stored on every job row started by this backend.
	Settings      []byte
	FlushInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	Frames   *queue.Queue[model.Frame]
	Failures *queue.Queue[model.Failure]
	Segments *queue.Queue[model.Segment]
}

func newQueues() *queues {
	return &queues{
		Frames:   queue.New[model.Frame](),
		Failures: queue.New[model.Failure](),
		Segments: queue.New[model.Segment](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps   Dependencies
	queues *queues
	jobID  atomic.Uint64

	writeMu           sync.Mutex
	lastWriteDuration atomic.Int64

	stopChan chan struct{}
	done     chan struct{}
}

var _ storage.Backend = (*Backend)(nil)
var _ storage.WriteDurationProvider = (*Backend)(nil)

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.Manager.DB
}

// Init runs schema migration and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if err := b.deps.Manager.Setup(); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writerLoop()
	return nil
}

// Close stops the DB writer goroutine and writes whatever is still queued.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.done
		b.stopChan = nil
	}
	b.Flush()
	return nil
}

// StartJob inserts the job row and assigns its ID.
func (b *Backend) StartJob(job *core.Job) error {
	row := convert.CoreToJob(*job, b.deps.Settings)
	row.ID = 0
	if err := b.DB().Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	job.ID = row.ID
	b.jobID.Store(uint64(row.ID))
	return nil
}

// EndJob flushes the queues and finalizes the job row.
func (b *Backend) EndJob(job *core.Job, frames []core.Frame) error {
	b.Flush()
	defer b.jobID.Store(0)

	ended := job.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	err := b.DB().Model(&model.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"ended_at":    ended,
		"success":     job.Success,
		"frame_count": len(frames),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize job %d: %w", job.ID, err)
	}
	return nil
}

func (b *Backend) currentJob() (uint, error) {
	id := uint(b.jobID.Load())
	if id == 0 {
		return 0, storage.ErrNoActiveJob
	}
	return id, nil
}

// RecordFrame converts and queues a frame.
func (b *Backend) RecordFrame(f *core.Frame) error {
	id, err := b.currentJob()
	if err != nil {
		return err
	}
	b.queues.Frames.Push(convert.CoreToFrame(id, *f))
	return nil
}

// RecordFailure converts and queues a snapshot failure.
func (b *Backend) RecordFailure(f *core.SnapshotFailure) error {
	id, err := b.currentJob()
	if err != nil {
		return err
	}
	b.queues.Failures.Push(convert.CoreToFailure(id, *f))
	return nil
}

// RecordSegment converts and queues a toolpath segment.
func (b *Backend) RecordSegment(s *core.Segment) error {
	id, err := b.currentJob()
	if err != nil {
		return err
	}
	b.queues.Segments.Push(convert.CoreToSegment(id, *s))
	return nil
}

// QueueLengths reports the pending frames, failures and segments.
func (b *Backend) QueueLengths() (frames, failures, segments int) {
	return b.queues.Frames.Len(), b.queues.Failures.Len(), b.queues.Segments.Len()
}

// GetLastDBWriteDuration returns the duration of the last non-empty flush.
func (b *Backend) GetLastDBWriteDuration() time.Duration {
	return time.Duration(b.lastWriteDuration.Load())
}

// Flush drains every queue into the database.
func (b *Backend) Flush() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	start := time.Now()
	n := writeQueue(b.DB(), b.queues.Frames, "frames", b.deps.Logger)
	n += writeQueue(b.DB(), b.queues.Failures, "failures", b.deps.Logger)
	n += writeQueue(b.DB(), b.queues.Segments, "segments", b.deps.Logger)
	if n > 0 {
		b.lastWriteDuration.Store(int64(time.Since(start)))
	}
}

// writeQueue writes all items from a queue to the database in a transaction.
// Failed batches are pushed back for the next cycle.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log *slog.Logger) int {
	if q.Empty() {
		return 0
	}

	items := q.GetAndEmpty()
	tx := db.Begin()
	if err := tx.Create(&items).Error; err != nil {
		log.Error("Error creating "+name, "error", err, "count", len(items))
		tx.Rollback()
		q.Push(items...)
		return 0
	}
	if err := tx.Commit().Error; err != nil {
		log.Error("Error committing "+name, "error", err, "count", len(items))
		q.Push(items...)
		return 0
	}
	return len(items)
}

func (b *Backend) writerLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
