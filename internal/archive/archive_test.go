package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/pkg/core"
)

func TestFileName(t *testing.T) {
	end := time.Date(2026, 3, 7, 14, 5, 9, 0, time.UTC)

	assert.Equal(t, "benchy_07032026140509.zip", FileName("benchy", end))
	assert.Equal(t, "my_part_v2.gcode_07032026140509.zip", FileName("my part/v2.gcode", end))
	assert.Equal(t, "timelapse_07032026140509.zip", FileName("", end))
}

func writeFrames(t *testing.T, dir string, n int, start time.Time) []core.Frame {
	t.Helper()
	frames := make([]core.Frame, n)
	for i := range frames {
		path := filepath.Join(dir, frameName(i+1))
		require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, byte(i)}, 0644))
		frames[i] = core.Frame{
			Index:      i + 1,
			Path:       path,
			CapturedAt: start.Add(time.Duration(i) * time.Second),
		}
	}
	return frames
}

func frameName(i int) string {
	return fmt.Sprintf("%05d.jpg", i)
}

func TestWrite(t *testing.T) {
	start := time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC)
	frames := writeFrames(t, t.TempDir(), 3, start)
	job := core.Job{Name: "benchy", StartedAt: start, EndedAt: start.Add(time.Hour), Success: true}

	out := filepath.Join(t.TempDir(), "archives")
	path, err := Write(out, job, frames)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "benchy_07032026150000.zip"), path)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 4)
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, f.Name)
	}
	assert.Equal(t, "00001.jpg", zr.File[0].Name)
	assert.Equal(t, MetadataName, zr.File[3].Name)

	rc, err := zr.File[3].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.True(t, meta.Success)
	assert.Equal(t, float64(start.Unix()), meta.Started)
	assert.Equal(t, float64(start.Add(time.Hour).Unix()), meta.Ended)
	assert.Len(t, meta.Timestamps, 3)
	assert.Equal(t, float64(start.Add(2*time.Second).Unix()), meta.Timestamps["00003.jpg"])
}

func TestWrite_Compression(t *testing.T) {
	start := time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC)
	job := core.Job{Name: "benchy", StartedAt: start, EndedAt: start.Add(time.Hour)}

	for _, tt := range []struct {
		enabled bool
		frames  uint16
	}{
		{enabled: true, frames: zip.Deflate},
		{enabled: false, frames: zip.Store},
	} {
		t.Run(fmt.Sprint(tt.enabled), func(t *testing.T) {
			frames := writeFrames(t, t.TempDir(), 2, start)
			path, err := Write(t.TempDir(), job, frames, WithCompression(tt.enabled))
			require.NoError(t, err)

			zr, err := zip.OpenReader(path)
			require.NoError(t, err)
			defer zr.Close()

			require.Len(t, zr.File, 3)
			assert.Equal(t, tt.frames, zr.File[0].Method)
			assert.Equal(t, tt.frames, zr.File[1].Method)
			assert.Equal(t, MetadataName, zr.File[2].Name)
			assert.Equal(t, zip.Store, zr.File[2].Method, "metadata is always stored")

			rc, err := zr.File[0].Open()
			require.NoError(t, err)
			_, err = io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
		})
	}
}

func TestWrite_NoFrames(t *testing.T) {
	_, err := Write(t.TempDir(), core.Job{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestWrite_MissingFrameRemovesArchive(t *testing.T) {
	out := t.TempDir()
	frames := []core.Frame{{Index: 1, Path: filepath.Join(out, "gone.jpg")}}

	_, err := Write(out, core.Job{Name: "x"}, frames)
	require.Error(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewUploader(t *testing.T) {
	_, err := NewUploader(config.UploadConfig{})
	assert.Error(t, err)

	u, err := NewUploader(config.UploadConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBucket, u.Bucket())

	u, err = NewUploader(config.UploadConfig{Endpoint: "localhost:9000", Bucket: "prints"})
	require.NoError(t, err)
	assert.Equal(t, "prints", u.Bucket())
}
