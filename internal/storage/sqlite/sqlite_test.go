package sqlitestorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/database"
	"github.com/timelapseplus/extension/internal/model"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
)

var _ storage.Backend = (*Backend)(nil)

func newTestBackend(t *testing.T, cfg config.SQLiteConfig) *Backend {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)

	b, err := New(cfg, Dependencies{DB: db})
	require.NoError(t, err)
	require.NoError(t, b.Init())
	return b
}

func TestEndJob_DumpsToDisk(t *testing.T) {
	dir := t.TempDir()
	b := newTestBackend(t, config.SQLiteConfig{DumpDir: dir})

	job := &core.Job{Name: "dump", StartedAt: time.Now()}
	require.NoError(t, b.StartJob(job))
	require.NoError(t, b.RecordFrame(&core.Frame{Index: 1}))
	job.Success = true
	require.NoError(t, b.EndJob(job, []core.Frame{{Index: 1}}))

	path := filepath.Join(dir, DumpFileName)
	assert.Equal(t, path, b.GetExportedFilePath())
	require.FileExists(t, path)
	require.NoError(t, b.Close())

	restored, err := database.OpenSQLite(path)
	require.NoError(t, err)
	var frames int64
	require.NoError(t, restored.Model(&model.Frame{}).Count(&frames).Error)
	assert.Equal(t, int64(1), frames)
}

func TestNoDumpDir(t *testing.T) {
	b := newTestBackend(t, config.SQLiteConfig{DumpInterval: time.Millisecond})

	job := &core.Job{Name: "nodump", StartedAt: time.Now()}
	require.NoError(t, b.StartJob(job))
	require.NoError(t, b.EndJob(job, nil))

	assert.Empty(t, b.DumpPath())
	assert.Empty(t, b.GetExportedFilePath())
	require.NoError(t, b.Close())
}

func TestDumpLoop(t *testing.T) {
	dir := t.TempDir()
	b := newTestBackend(t, config.SQLiteConfig{DumpDir: dir, DumpInterval: 10 * time.Millisecond})
	defer func() { require.NoError(t, b.Close()) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DumpFileName))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
