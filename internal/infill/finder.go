// Package infill pre-scans a job file for regions where a deferred snapshot
// does least harm, and for the snapshot commands the file already contains.
package infill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Finder runs one background scan and answers lookahead queries. Until the
// scan has completed successfully every query reports no data.
type Finder struct {
	classifier LineClassifier
	logger     *slog.Logger

	index atomic.Pointer[Index]
	done  chan struct{}
	once  sync.Once
	warn  sync.Once
}

// NewFinder creates a Finder. A nil logger uses slog.Default().
func NewFinder(c LineClassifier, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{
		classifier: c,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start scans the file at path in the background. An empty path, a missing
// file or a failed scan leaves the Finder without data.
func (f *Finder) Start(ctx context.Context, path string) {
	go func() {
		if path == "" {
			f.finish(nil, fmt.Errorf("no local job file"))
			return
		}
		file, err := os.Open(path)
		if err != nil {
			f.finish(nil, fmt.Errorf("open job file: %w", err))
			return
		}
		defer file.Close()
		f.Load(ctx, file)
	}()
}

// Load scans r synchronously.
func (f *Finder) Load(ctx context.Context, r io.Reader) {
	start := time.Now()
	x, err := Scan(ctx, r, f.classifier)
	if err == nil {
		f.logger.Debug("job file scanned",
			"lines", x.Lines(),
			"windows", len(x.windows),
			"markers", len(x.markers),
			"duration", time.Since(start))
	}
	f.finish(x, err)
}

func (f *Finder) finish(x *Index, err error) {
	switch {
	case err != nil:
		f.warnOnce("infill lookahead unavailable", "error", err)
	case len(x.windows) == 0:
		f.warnOnce("no infill regions found in job file")
	case len(x.markers) == 0:
		f.warnOnce("no snapshot commands found in job file")
	}
	if err == nil {
		f.index.Store(x)
	}
	f.once.Do(func() { close(f.done) })
}

func (f *Finder) warnOnce(msg string, args ...any) {
	f.warn.Do(func() { f.logger.Warn(msg, args...) })
}

// Ready reports whether a scan has completed successfully.
func (f *Finder) Ready() bool {
	return f.index.Load() != nil
}

// Wait blocks until the scan has finished, successfully or not.
func (f *Finder) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Index returns the completed index, or nil while not ready.
func (f *Finder) Index() *Index {
	return f.index.Load()
}

// CanQueueSnapshotAt reports false while no index is available.
func (f *Finder) CanQueueSnapshotAt(pos int64) bool {
	x := f.index.Load()
	return x != nil && x.CanQueueSnapshotAt(pos)
}

// NextInfillPosition reports false while no index is available.
func (f *Finder) NextInfillPosition(pos int64) (int64, bool) {
	x := f.index.Load()
	if x == nil {
		return 0, false
	}
	return x.NextInfillPosition(pos)
}

// MarkerCount returns the number of snapshot markers, 0 while not ready.
func (f *Finder) MarkerCount() int {
	x := f.index.Load()
	if x == nil {
		return 0
	}
	return len(x.markers)
}
