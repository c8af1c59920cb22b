package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/internal/storage/memory"
	pgstorage "github.com/timelapseplus/extension/internal/storage/postgres"
	sqlitestorage "github.com/timelapseplus/extension/internal/storage/sqlite"
	wsstorage "github.com/timelapseplus/extension/internal/storage/websocket"
)

// createStorageBackend builds the configured backend. settings is the JSON
// snapshot stored with every job by the database backends.
func createStorageBackend(storageCfg config.StorageConfig, settings []byte, dbLogger zerolog.Logger) (storage.Backend, error) {
	switch storageCfg.Type {
	case "postgres":
		Logger.Info("Postgres storage backend initialized", "host", storageCfg.Postgres.Host)
		return pgstorage.New(storageCfg.Postgres, pgstorage.Dependencies{
			Logger:   Logger,
			DBLogger: dbLogger,
			Settings: settings,
		}), nil

	case "sqlite":
		backend, err := sqlitestorage.New(storageCfg.SQLite, sqlitestorage.Dependencies{
			Logger:   Logger,
			DBLogger: dbLogger,
			Settings: settings,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		Logger.Info("SQLite storage backend initialized", "dump", backend.DumpPath())
		return backend, nil

	case "websocket":
		Logger.Info("WebSocket storage backend initialized", "url", storageCfg.WebSocket.URL)
		return wsstorage.New(storageCfg.WebSocket, Logger), nil

	case "", "memory":
		Logger.Info("Memory storage backend initialized", "outputDir", storageCfg.Memory.OutputDir)
		return memory.New(storageCfg.Memory), nil
	}
	return nil, fmt.Errorf("unknown storage type %q", storageCfg.Type)
}
