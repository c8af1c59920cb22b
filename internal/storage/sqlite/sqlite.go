// Package sqlitestorage implements the storage.Backend interface using an in-memory
// SQLite database with periodic disk dumps via VACUUM INTO.
// It wraps the GORM backend; the only SQLite-specific concerns are creating the
// in-memory DB and the periodic disk dump.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/database"
	"github.com/timelapseplus/extension/internal/storage"
	gormstorage "github.com/timelapseplus/extension/internal/storage/gorm"
	"github.com/timelapseplus/extension/pkg/core"

	"gorm.io/gorm"
)

// DumpFileName is the file written into the dump directory.
const DumpFileName = "timelapse_recorder.db"

// Dependencies holds all dependencies for the SQLite storage backend.
type Dependencies struct {
	// DB overrides the in-memory database, mainly for tests.
	DB       *gorm.DB
	Logger   *slog.Logger
	DBLogger zerolog.Logger
	Settings []byte
}

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	manager  *database.Manager
	cfg      config.SQLiteConfig
	log      *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastDump string
}

var _ storage.Exportable = (*Backend)(nil)

// New creates a new SQLite storage backend.
func New(cfg config.SQLiteConfig, deps Dependencies) (*Backend, error) {
	db := deps.DB
	if db == nil {
		var err error
		db, err = database.OpenSQLite("")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory SQLite DB: %w", err)
		}
	}
	manager, err := database.NewManager(db, deps.DBLogger)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{
			Manager:  manager,
			Logger:   deps.Logger,
			Settings: deps.Settings,
		}),
		manager:  manager,
		cfg:      cfg,
		log:      deps.Logger,
		stopChan: make(chan struct{}),
	}, nil
}

// DumpPath returns where the database is dumped, or "" when dumping is disabled.
func (b *Backend) DumpPath() string {
	if b.cfg.DumpDir == "" {
		return ""
	}
	return filepath.Join(b.cfg.DumpDir, DumpFileName)
}

// Init initializes the embedded GORM backend and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.DumpPath() != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}
	return nil
}

// Close stops the dump goroutine, closes the embedded GORM backend and
// writes a final dump.
func (b *Backend) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	if err := b.Backend.Close(); err != nil {
		return err
	}
	if b.DumpPath() != "" {
		if err := b.dump(); err != nil {
			return err
		}
	}
	return b.manager.Close()
}

// EndJob finalizes the job and dumps immediately so the job is on disk.
func (b *Backend) EndJob(job *core.Job, frames []core.Frame) error {
	if err := b.Backend.EndJob(job, frames); err != nil {
		return err
	}
	if b.DumpPath() == "" {
		return nil
	}
	return b.dump()
}

// GetExportedFilePath returns the last dump written, if any.
func (b *Backend) GetExportedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDump
}

func (b *Backend) dump() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.DumpPath()
	if err := b.manager.DumpToDisk(path); err != nil {
		return err
	}
	b.lastDump = path
	return nil
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			}
		}
	}
}
