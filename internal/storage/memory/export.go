// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportVersion is written into every export.
const ExportVersion = 1

// JobExport is the root JSON structure
type JobExport struct {
	Version   int           `json:"version"`
	Name      string        `json:"name"`
	File      string        `json:"file"`
	Mode      string        `json:"mode"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Success   bool          `json:"success"`
	Frames    []FrameJSON   `json:"frames"`
	Failures  []FailureJSON `json:"failures"`
	// Toolpath holds one [x0, y0, z0, x1, y1, z1, extruded] row per segment
	Toolpath [][7]float64 `json:"toolpath"`
}

// FrameJSON represents a captured frame
type FrameJSON struct {
	Index      int     `json:"index"`
	File       string  `json:"file"`
	Time       float64 `json:"time"`
	FilePos    int64   `json:"filePos"`
	Stabilized bool    `json:"stabilized"`
	Size       int64   `json:"size"`
}

// FailureJSON represents a snapshot that was not taken as requested
type FailureJSON struct {
	Time    float64 `json:"time"`
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// exportJSON writes the job data to a JSON file, gzipped if configured
func (b *Backend) exportJSON() error {
	export := b.buildExport()

	// Build filename
	name := strings.ReplaceAll(b.job.Name, " ", "_")
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	if name == "" {
		name = "job"
	}
	timestamp := b.job.StartedAt.Format("20060102_150405")

	filename := fmt.Sprintf("%s_%s.json", name, timestamp)
	if b.cfg.CompressOutput {
		filename += ".gz"
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	// Ensure output directory exists
	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	if b.cfg.CompressOutput {
		err = writeGzipJSON(outputPath, export)
	} else {
		err = writeJSON(outputPath, export)
	}
	if err != nil {
		return err
	}

	b.lastExportPath = outputPath
	return nil
}

func (b *Backend) buildExport() JobExport {
	export := JobExport{
		Version:   ExportVersion,
		Name:      b.job.Name,
		File:      b.job.File,
		Mode:      b.job.Mode.String(),
		StartedAt: b.job.StartedAt,
		EndedAt:   b.job.EndedAt,
		Success:   b.job.Success,
		Frames:    make([]FrameJSON, 0, len(b.frames)),
		Failures:  make([]FailureJSON, 0, len(b.failures)),
		Toolpath:  make([][7]float64, 0, len(b.segments)),
	}

	for _, f := range b.frames {
		export.Frames = append(export.Frames, FrameJSON{
			Index:      f.Index,
			File:       filepath.Base(f.Path),
			Time:       unixSeconds(f.CapturedAt),
			FilePos:    f.FilePos,
			Stabilized: f.Stabilized,
			Size:       f.Size,
		})
	}

	for _, f := range b.failures {
		export.Failures = append(export.Failures, FailureJSON{
			Time:    unixSeconds(f.At),
			Kind:    f.Kind,
			Message: f.Message,
		})
	}

	for _, s := range b.segments {
		export.Toolpath = append(export.Toolpath, [7]float64{
			s.From.X, s.From.Y, s.From.Z,
			s.To.X, s.To.Y, s.To.Z,
			s.To.E - s.From.E,
		})
	}

	return export
}

func writeJSON(path string, data JobExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func writeGzipJSON(path string, data JobExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	if err := json.NewEncoder(gzWriter).Encode(data); err != nil {
		_ = gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}
