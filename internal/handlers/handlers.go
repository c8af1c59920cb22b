package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/timelapseplus/extension/internal/archive"
	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/gcode"
	"github.com/timelapseplus/extension/internal/printjob"
	"github.com/timelapseplus/extension/internal/scheduler"
	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
)

// Host lifecycle events.
const (
	EventPrintStarted   = ":PRINT:STARTED:"
	EventPrintDone      = ":PRINT:DONE:"
	EventPrintFailed    = ":PRINT:FAILED:"
	EventPrintCancelled = ":PRINT:CANCELLED:"
	EventPrintPaused    = ":PRINT:PAUSED:"
	EventPrintResumed   = ":PRINT:RESUMED:"
	EventDisconnected   = ":DISCONNECTED:"
	EventPrinterReset   = ":PRINTER:RESET:"
	EventPrinterHalted  = ":PRINTER:HALTED:"
	EventPrinterResumed = ":PRINTER:RESUMED:"
)

// DefaultFinishTimeout bounds the wait for captures in flight when a job ends.
const DefaultFinishTimeout = 30 * time.Second

// Recorder persists scheduler notifications for the current job.
// *worker.Manager satisfies it.
type Recorder interface {
	scheduler.Listener
	BeginJob(name string)
}

// SettingsFunc returns the settings a new job starts with. A returned error
// matching stabilization.ErrConfiguration is not fatal: the job starts with
// stabilization disabled.
type SettingsFunc func() (printjob.Settings, error)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Dispatcher *dispatcher.Dispatcher
	Backend    storage.Backend
	Recorder   Recorder
	Camera     scheduler.Camera
	Channel    stabilization.Channel
	Settings   SettingsFunc
	Archive    config.ArchiveConfig
	// Uploader is optional.
	Uploader      *archive.Uploader
	Logger        *slog.Logger
	FinishTimeout time.Duration
}

// Service provides handler methods for host events and G-code hooks
type Service struct {
	deps Dependencies
	ctx  context.Context
	jobs *printjob.Context

	// lifecycle serializes job start and finish
	lifecycle sync.Mutex
}

// NewService creates a new handler service. ctx is the parent of every job
// context.
func NewService(ctx context.Context, deps Dependencies, jobs *printjob.Context) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FinishTimeout <= 0 {
		deps.FinishTimeout = DefaultFinishTimeout
	}
	if jobs == nil {
		jobs = printjob.NewContext()
	}
	return &Service{
		deps: deps,
		ctx:  ctx,
		jobs: jobs,
	}
}

// Jobs returns the job context
func (s *Service) Jobs() *printjob.Context {
	return s.jobs
}

// RegisterHandlers registers the host lifecycle handlers with the dispatcher.
// They run synchronously so lifecycle changes keep the host's order.
func (s *Service) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(EventPrintStarted, s.handleStarted, dispatcher.Logged())
	d.Register(EventPrintDone, s.finishHandler(true), dispatcher.Logged())
	for _, name := range []string{EventPrintFailed, EventPrintCancelled, EventDisconnected, EventPrinterReset} {
		d.Register(name, s.finishHandler(false), dispatcher.Logged())
	}

	d.Register(EventPrintPaused, s.schedulerHandler((*scheduler.Scheduler).Pause))
	d.Register(EventPrintResumed, s.schedulerHandler((*scheduler.Scheduler).Resume))
	d.Register(EventPrinterHalted, s.schedulerHandler((*scheduler.Scheduler).Halt))
	d.Register(EventPrinterResumed, s.schedulerHandler((*scheduler.Scheduler).ResumeFromHalt))
}

// handleStarted starts recording a job. Args: file path, optional name.
func (s *Service) handleStarted(e dispatcher.Event) error {
	if len(e.Args) < 1 {
		return fmt.Errorf("%s: expected file argument, got %d args", e.Name, len(e.Args))
	}
	file := strings.TrimSpace(e.Args[0])
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if len(e.Args) > 1 && strings.TrimSpace(e.Args[1]) != "" {
		name = strings.TrimSpace(e.Args[1])
	}
	return s.StartJob(file, name)
}

// StartJob finishes a stale job as failed and starts recording a new one.
func (s *Service) StartJob(file, name string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if stale, err := s.jobs.Take(); err == nil {
		s.deps.Logger.Warn("previous job was never finished", "job", stale.Info().Name)
		if err := s.finish(stale, false); err != nil {
			s.deps.Logger.Error("failed to finish previous job", "error", err)
		}
	}

	settings, err := s.deps.Settings()
	if err != nil {
		if !errors.Is(err, stabilization.ErrConfiguration) {
			return fmt.Errorf("failed to load job settings: %w", err)
		}
		s.deps.Logger.Warn("stabilization disabled for this job", "error", err)
		settings.Stabilization.Enabled = false
	}

	info := core.Job{
		Name:      name,
		File:      file,
		StartedAt: time.Now(),
		Mode:      settings.Capture.Mode,
	}

	s.deps.Recorder.BeginJob(name)
	if err := s.deps.Backend.StartJob(&info); err != nil {
		return fmt.Errorf("failed to start job in storage: %w", err)
	}

	job, err := printjob.New(s.ctx, info, settings, printjob.Dependencies{
		Camera:   s.deps.Camera,
		Channel:  s.deps.Channel,
		Listener: s.deps.Recorder,
		Logger:   s.deps.Logger,
	})
	if err != nil {
		info.EndedAt = time.Now()
		if endErr := s.deps.Backend.EndJob(&info, nil); endErr != nil {
			s.deps.Logger.Warn("failed to end job in storage", "error", endErr)
		}
		return fmt.Errorf("failed to start job %s: %w", name, err)
	}
	s.jobs.Set(job)
	return nil
}

func (s *Service) finishHandler(success bool) dispatcher.HandlerFunc {
	return func(dispatcher.Event) error {
		return s.FinishJob(success)
	}
}

// FinishJob ends the current job. It is a no-op when no job is recorded.
func (s *Service) FinishJob(success bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	job, err := s.jobs.Take()
	if err != nil {
		return nil
	}
	return s.finish(job, success)
}

// finish waits for the job's captures, drains the recorder queues, closes
// the job in storage and archives its frames.
func (s *Service) finish(job *printjob.Job, success bool) error {
	defer job.Close()

	ctx, cancel := context.WithTimeout(s.ctx, s.deps.FinishTimeout)
	defer cancel()

	var errs []error
	info, frames, err := job.Finish(ctx, success)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to finish job: %w", err))
	}
	if s.deps.Dispatcher != nil {
		if err := s.deps.Dispatcher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain recorder events: %w", err))
		}
	}

	if err := s.deps.Backend.EndJob(&info, frames); err != nil {
		errs = append(errs, fmt.Errorf("failed to end job in storage: %w", err))
	} else if exp, ok := s.deps.Backend.(storage.Exportable); ok && exp.GetExportedFilePath() != "" {
		s.deps.Logger.Info("job exported", "path", exp.GetExportedFilePath())
	}

	if s.deps.Archive.Enabled && len(frames) > 0 {
		if err := s.archive(ctx, info, frames); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) archive(ctx context.Context, info core.Job, frames []core.Frame) error {
	path, err := archive.Write(s.deps.Archive.Dir, info, frames, archive.WithCompression(s.deps.Archive.CompressFrames))
	if err != nil {
		return fmt.Errorf("failed to archive frames: %w", err)
	}
	s.deps.Logger.Info("frames archived", "path", path, "frames", len(frames))

	if s.deps.Uploader == nil {
		return nil
	}
	key, err := s.deps.Uploader.Upload(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	s.deps.Logger.Info("archive uploaded", "bucket", s.deps.Uploader.Bucket(), "key", key)
	return nil
}

// schedulerHandler applies fn to the current job's scheduler. Without a job
// the event is ignored.
func (s *Service) schedulerHandler(fn func(*scheduler.Scheduler)) dispatcher.HandlerFunc {
	return func(dispatcher.Event) error {
		if job, err := s.jobs.Get(); err == nil {
			fn(job.Scheduler())
		}
		return nil
	}
}

// GcodeQueuing is called for every command entering the host's send queue.
// It returns the commands to queue instead, or nil to keep cmd.
func (s *Service) GcodeQueuing(cmd string, tags gcode.Tags) []string {
	job, err := s.jobs.Get()
	if err != nil {
		return nil
	}
	return job.Scheduler().GcodeQueuing(cmd, tags)
}

// GcodeSent is called for every command the host sent to the printer.
func (s *Service) GcodeSent(code, raw string, tags gcode.Tags) {
	if job, err := s.jobs.Get(); err == nil {
		job.Scheduler().GcodeSent(code, raw, tags)
	}
}

// Action is called for every "action:" notification from the printer.
func (s *Service) Action(name string) {
	if job, err := s.jobs.Get(); err == nil {
		job.Scheduler().Action(name)
	}
}

// Close finishes a job still being recorded as failed.
func (s *Service) Close() error {
	return s.FinishJob(false)
}
