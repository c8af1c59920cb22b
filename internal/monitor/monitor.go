package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/timelapseplus/extension/internal/influx"
	"github.com/timelapseplus/extension/internal/printjob"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/internal/worker"
)

// StatusFileName is written into Dependencies.StatusDir.
const StatusFileName = "status.json"

// DefaultInterval is used when Dependencies.Interval is not set.
const DefaultInterval = time.Second

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Logger        *slog.Logger
	Jobs          *printjob.Context
	WorkerManager *worker.Manager
	Backend       storage.Backend
	// Metrics is optional.
	Metrics   worker.PointWriter
	StatusDir string
	Interval  time.Duration
}

// WriteQueueLengths are the records waiting for the next storage batch.
type WriteQueueLengths struct {
	Frames   int `json:"frames"`
	Failures int `json:"failures"`
	Segments int `json:"segments"`
}

// Status is a snapshot of the recorder for the job being recorded.
type Status struct {
	Time                time.Time         `json:"time"`
	Job                 string            `json:"job"`
	State               string            `json:"state"`
	Capturing           bool              `json:"capturing"`
	Frames              int               `json:"frames"`
	Failures            int               `json:"failures"`
	Segments            int               `json:"segments"`
	DeferredFilePos     int64             `json:"deferredFilePos,omitempty"`
	WriteQueues         WriteQueueLengths `json:"writeQueues"`
	LastWriteDurationMs float64           `json:"lastWriteDurationMs"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current recorder status. ok is false when no job
// is being recorded.
func (s *Service) GetStatus() (status Status, ok bool) {
	job, err := s.deps.Jobs.Get()
	if err != nil {
		return Status{}, false
	}
	sched := job.Scheduler()

	status = Status{
		Time:                time.Now(),
		Job:                 job.Info().Name,
		State:               sched.State().String(),
		Capturing:           s.deps.WorkerManager.Capturing(),
		Frames:              s.deps.WorkerManager.FrameCount(),
		Failures:            s.deps.WorkerManager.FailureCount(),
		Segments:            s.deps.WorkerManager.SegmentCount(),
		LastWriteDurationMs: float64(s.deps.WorkerManager.GetLastDBWriteDuration().Microseconds()) / 1000,
	}
	if pos, queued := sched.Pending(); queued {
		status.DeferredFilePos = pos
	}
	if q, ok := s.deps.Backend.(storage.QueueReporter); ok {
		status.WriteQueues.Frames, status.WriteQueues.Failures, status.WriteQueues.Segments = q.QueueLengths()
	}
	return status, true
}

// Fields returns the influx fields of a status.
func Fields(status Status) map[string]interface{} {
	return map[string]interface{}{
		"frames":                 status.Frames,
		"failures":               status.Failures,
		"segments":               status.Segments,
		"capturing":              status.Capturing,
		"write_queue_frames":     status.WriteQueues.Frames,
		"write_queue_failures":   status.WriteQueues.Failures,
		"write_queue_segments":   status.WriteQueues.Segments,
		"last_write_duration_ms": status.LastWriteDurationMs,
	}
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	var statusFile *os.File
	if s.deps.StatusDir != "" {
		if err := os.MkdirAll(s.deps.StatusDir, 0755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to create status directory: %w", err)
		}
		f, err := os.Create(filepath.Join(s.deps.StatusDir, StatusFileName))
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to create status file: %w", err)
		}
		statusFile = f
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if statusFile != nil {
			defer statusFile.Close()
		}

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				status, ok := s.GetStatus()
				if !ok {
					continue
				}

				if statusFile != nil {
					if err := writeStatus(statusFile, status); err != nil {
						logger.Error("Error writing status file", "error", err)
					}
				}

				if s.deps.Metrics != nil {
					point := influx.PerformancePoint(status.Time, Fields(status))
					point.AddTag("job", status.Job)
					if err := s.deps.Metrics.WritePoint(point); err != nil {
						logger.Error("Error writing performance point", "error", err)
					}
				}
			}
		}
	}()

	return nil
}

func writeStatus(f *os.File, status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Stop stops the status monitor and waits for it to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
