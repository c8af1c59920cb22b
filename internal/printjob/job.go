// Package printjob owns the per-job state of the recorder: the position
// tracker, the infill lookahead and the snapshot scheduler.
package printjob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/infill"
	"github.com/timelapseplus/extension/internal/position"
	"github.com/timelapseplus/extension/internal/scheduler"
	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/pkg/core"
)

// Settings is the configuration a job is started with.
type Settings struct {
	Capture       config.CaptureConfig
	Printer       config.PrinterConfig
	Stabilization stabilization.Settings
	// KeepFrames leaves the capture directory in place on Close.
	KeepFrames bool
}

// Dependencies are the collaborators shared by every job.
type Dependencies struct {
	Camera   scheduler.Camera
	Channel  stabilization.Channel
	Listener scheduler.Listener
	Logger   *slog.Logger
	// Classifier overrides the default slicer grammar for lookahead.
	Classifier infill.LineClassifier
}

// Job is one recorded print job.
type Job struct {
	key        string
	info       core.Job
	captureDir string
	keepFrames bool

	tracker   *position.Tracker
	finder    *infill.Finder
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds the job state and starts the scheduler. The lookahead scan of
// info.File runs in the background when infill lookahead is enabled.
func New(ctx context.Context, info core.Job, s Settings, deps Dependencies) (*Job, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Listener == nil {
		deps.Listener = scheduler.NopListener{}
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	info.Mode = s.Capture.Mode

	key := uuid.NewString()
	captureDir := filepath.Join(s.Capture.Dir, key)
	if err := os.MkdirAll(captureDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}

	logger := deps.Logger.With("job", info.Name)
	jobCtx, cancel := context.WithCancel(ctx)

	opts := []position.Option{
		position.WithExtruderModeOverride(s.Printer.G90InfluencesExtruder),
		position.WithSegmentHandler(deps.Listener.PositionSegment),
	}
	if s.Printer.RecordingLimit > 0 {
		opts = append(opts, position.WithRecordingLimit(s.Printer.RecordingLimit))
	}

	j := &Job{
		key:        key,
		info:       info,
		captureDir: captureDir,
		keepFrames: s.KeepFrames,
		tracker:    position.New(opts...),
		logger:     logger,
		cancel:     cancel,
	}
	j.tracker.Reset(core.Position{X: s.Printer.HomeX, Y: s.Printer.HomeY, Z: s.Printer.HomeZ})

	var lookahead scheduler.Lookahead
	if s.Stabilization.Enabled && s.Stabilization.InfillLookahead {
		classifier := deps.Classifier
		if classifier == nil {
			classifier = infill.DefaultGrammar(s.Capture.SnapshotCommand)
		}
		j.finder = infill.NewFinder(classifier, logger)
		j.finder.Start(jobCtx, info.File)
		lookahead = j.finder
	}

	j.scheduler = scheduler.New(scheduler.Config{
		SnapshotCommand:       s.Capture.SnapshotCommand,
		Mode:                  s.Capture.Mode,
		Interval:              s.Capture.Interval,
		MaxConcurrentCaptures: s.Capture.MaxConcurrentCaptures,
		CaptureDir:            captureDir,
		Stabilization:         s.Stabilization,
	}, scheduler.Dependencies{
		Tracker:   j.tracker,
		Lookahead: lookahead,
		Camera:    deps.Camera,
		Channel:   deps.Channel,
		Listener:  deps.Listener,
		Logger:    logger,
	})

	if err := j.scheduler.Start(jobCtx); err != nil {
		j.Close()
		return nil, err
	}
	logger.Info("print job started", "file", info.File, "captureDir", captureDir)
	return j, nil
}

// Key is the unique identifier of this recording.
func (j *Job) Key() string { return j.key }

// Info returns the job description.
func (j *Job) Info() core.Job { return j.info }

// CaptureDir is where numbered frames are stored.
func (j *Job) CaptureDir() string { return j.captureDir }

// Scheduler returns the job's snapshot scheduler.
func (j *Job) Scheduler() *scheduler.Scheduler { return j.scheduler }

// Tracker returns the job's position tracker.
func (j *Job) Tracker() *position.Tracker { return j.tracker }

// Finder returns the infill lookahead, nil when lookahead is disabled.
func (j *Job) Finder() *infill.Finder { return j.finder }

// Finish ends the job, waiting for captures in flight, and returns the
// final job description with its frames.
func (j *Job) Finish(ctx context.Context, success bool) (core.Job, []core.Frame, error) {
	frames, err := j.scheduler.Finish(ctx)
	j.info.EndedAt = time.Now()
	j.info.Success = success
	j.logger.Info("print job finished",
		"success", success,
		"frames", len(frames),
		"duration", j.info.EndedAt.Sub(j.info.StartedAt))
	return j.info, frames, err
}

// Close cancels background work of the job and removes its capture
// directory unless frames are kept. It is safe to call more than once.
func (j *Job) Close() {
	j.closeOnce.Do(func() {
		j.cancel()
		if j.keepFrames {
			return
		}
		if err := os.RemoveAll(j.captureDir); err != nil {
			j.logger.Warn("failed to remove capture directory", "dir", j.captureDir, "error", err)
		}
	})
}
