// Package archive bundles the frames of a finished job into a zip file.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/timelapseplus/extension/pkg/core"
)

// MetadataName is the name of the metadata entry inside the archive.
const MetadataName = "metadata.json"

// ErrNoFrames is returned when a job has nothing to archive.
var ErrNoFrames = errors.New("no frames to archive")

// Metadata describes the archived job.
type Metadata struct {
	// Timestamps maps each frame file name to its capture time in unix seconds.
	Timestamps map[string]float64 `json:"timestamps"`
	Started    float64            `json:"started"`
	Ended      float64            `json:"ended"`
	Success    bool               `json:"success"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns "<name>_<ddmmyyyyHHMMSS>.zip" for a job ending at t.
func FileName(name string, t time.Time) string {
	base := unsafeName.ReplaceAllString(name, "_")
	if base == "" || base == "_" {
		base = "timelapse"
	}
	return fmt.Sprintf("%s_%s.zip", base, t.Format("02012006150405"))
}

// Option configures Write.
type Option func(*options)

type options struct {
	frameMethod uint16
}

// WithCompression deflates the frames when enabled. Frames are stored
// otherwise, which is the default.
func WithCompression(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.frameMethod = zip.Deflate
		} else {
			o.frameMethod = zip.Store
		}
	}
}

// Write creates the archive of job in dir and returns its path.
// The metadata entry is always stored.
func Write(dir string, job core.Job, frames []core.Frame, opts ...Option) (string, error) {
	o := options{frameMethod: zip.Store}
	for _, opt := range opts {
		opt(&o)
	}
	if len(frames) == 0 {
		return "", ErrNoFrames
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	path := filepath.Join(dir, FileName(job.Name, job.EndedAt))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	if err := writeZip(file, job, frames, o.frameMethod); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	return path, nil
}

func writeZip(w io.Writer, job core.Job, frames []core.Frame, frameMethod uint16) error {
	zw := zip.NewWriter(w)

	meta := Metadata{
		Timestamps: make(map[string]float64, len(frames)),
		Started:    unixSeconds(job.StartedAt),
		Ended:      unixSeconds(job.EndedAt),
		Success:    job.Success,
	}

	for _, frame := range frames {
		name := filepath.Base(frame.Path)
		if err := addFile(zw, name, frame.Path, frame.CapturedAt, frameMethod); err != nil {
			return err
		}
		meta.Timestamps[name] = unixSeconds(frame.CapturedAt)
	}

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     MetadataName,
		Method:   zip.Store,
		Modified: job.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to add metadata: %w", err)
	}
	if err := json.NewEncoder(entry).Encode(meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, name, path string, modified time.Time, method uint16) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open frame %s: %w", name, err)
	}
	defer src.Close()

	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add frame %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy frame %s: %w", name, err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
