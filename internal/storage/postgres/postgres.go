// Package postgres implements the storage.Backend interface on PostgreSQL/PostGIS.
// Writes go through the queued GORM backend; this package only owns the connection.
package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/zerolog"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/database"
	gormstorage "github.com/timelapseplus/extension/internal/storage/gorm"
	"github.com/timelapseplus/extension/pkg/core"
)

var errNotConnected = errors.New("postgres backend not initialized")

// Dependencies holds all dependencies for the postgres storage backend.
type Dependencies struct {
	Logger   *slog.Logger
	DBLogger zerolog.Logger
	Settings []byte
}

// Backend connects on Init and delegates to the GORM backend.
type Backend struct {
	cfg     config.PostgresConfig
	deps    Dependencies
	manager *database.Manager
	inner   *gormstorage.Backend
}

// New creates a new postgres storage backend. No connection is made until Init.
func New(cfg config.PostgresConfig, deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{cfg: cfg, deps: deps}
}

// Init connects, validates the connection and starts the queued writer.
func (b *Backend) Init() error {
	b.deps.DBLogger.Debug().Str("host", b.cfg.Host).Str("database", b.cfg.Database).Msg("Connecting to Postgres DB")

	db, err := database.OpenPostgres(b.cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	manager, err := database.NewManager(db, b.deps.DBLogger)
	if err != nil {
		return err
	}
	if err := manager.Ping(); err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to validate connection: %w", err)
	}
	b.deps.DBLogger.Info().Msg("Connected to database")

	inner := gormstorage.New(gormstorage.Dependencies{
		Manager:  manager,
		Logger:   b.deps.Logger,
		Settings: b.deps.Settings,
	})
	if err := inner.Init(); err != nil {
		_ = manager.Close()
		return err
	}
	b.manager = manager
	b.inner = inner
	return nil
}

// Close flushes the queues and closes the connection.
func (b *Backend) Close() error {
	if b.inner == nil {
		return nil
	}
	if err := b.inner.Close(); err != nil {
		return err
	}
	return b.manager.Close()
}

// Manager returns the connection manager, nil before Init.
func (b *Backend) Manager() *database.Manager {
	return b.manager
}

func (b *Backend) StartJob(job *core.Job) error {
	if b.inner == nil {
		return errNotConnected
	}
	return b.inner.StartJob(job)
}

func (b *Backend) EndJob(job *core.Job, frames []core.Frame) error {
	if b.inner == nil {
		return errNotConnected
	}
	return b.inner.EndJob(job, frames)
}

func (b *Backend) RecordFrame(f *core.Frame) error {
	if b.inner == nil {
		return errNotConnected
	}
	return b.inner.RecordFrame(f)
}

func (b *Backend) RecordFailure(f *core.SnapshotFailure) error {
	if b.inner == nil {
		return errNotConnected
	}
	return b.inner.RecordFailure(f)
}

func (b *Backend) RecordSegment(s *core.Segment) error {
	if b.inner == nil {
		return errNotConnected
	}
	return b.inner.RecordSegment(s)
}

// GetLastDBWriteDuration returns the duration of the last batch write.
func (b *Backend) GetLastDBWriteDuration() time.Duration {
	if b.inner == nil {
		return 0
	}
	return b.inner.GetLastDBWriteDuration()
}

// QueueLengths returns the number of records waiting for the next batch.
func (b *Backend) QueueLengths() (frames, failures, segments int) {
	if b.inner == nil {
		return 0, 0, 0
	}
	return b.inner.QueueLengths()
}
