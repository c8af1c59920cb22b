package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/database"
	"github.com/timelapseplus/extension/internal/logging"
	"github.com/timelapseplus/extension/internal/printjob"
	"github.com/timelapseplus/extension/internal/replay"
	"github.com/timelapseplus/extension/internal/stabilization"
	sqlitestorage "github.com/timelapseplus/extension/internal/storage/sqlite"
	"github.com/timelapseplus/extension/pkg/core"
)

// runReplay plays a job file through a fresh job with a stub camera and
// writes every line sent to the printer to out.
func runReplay(ctx context.Context, file string, out io.Writer) error {
	settings, err := jobSettings()
	if err != nil {
		if !errors.Is(err, stabilization.ErrConfiguration) {
			return err
		}
		Logger.Warn("Stabilization disabled for replay", "error", err)
		settings.Stabilization.Enabled = false
	}
	settings.KeepFrames = false

	captureDir, err := os.MkdirTemp("", "timelapse-replay-*")
	if err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	defer os.RemoveAll(captureDir)
	settings.Capture.Dir = captureDir

	host := replay.NewHost(out)
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	job, err := printjob.New(ctx, core.Job{Name: name, File: file, StartedAt: time.Now()}, settings, printjob.Dependencies{
		Camera:  replay.StubCamera{},
		Channel: host,
		Logger:  Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start replay job: %w", err)
	}
	defer job.Close()
	host.Attach(job.Scheduler())

	if f := job.Finder(); f != nil {
		if err := f.Wait(ctx); err != nil {
			Logger.Warn("Infill scan failed, snapshots are not deferred", "error", err)
		}
	}

	start := time.Now()
	playErr := host.PlayFile(ctx, file)
	_, frames, err := job.Finish(context.WithoutCancel(ctx), playErr == nil)
	if err != nil {
		return errors.Join(playErr, err)
	}

	var stabilized int
	for _, f := range frames {
		if f.Stabilized {
			stabilized++
		}
	}
	stats := host.Stats()
	Logger.Info("Replay finished",
		"file", file,
		"duration", time.Since(start),
		"lines", stats.Lines,
		"injected", stats.Injected,
		"synthesized", stats.Synthesized,
		"frames", len(frames),
		"stabilized", stabilized)
	return playErr
}

// listJobs prints the most recent jobs recorded by the database backends.
func listJobs(out io.Writer, limit int) error {
	storageCfg := config.GetStorage()

	var (
		db  *gorm.DB
		err error
	)
	switch storageCfg.Type {
	case "sqlite":
		path := filepath.Join(storageCfg.SQLite.DumpDir, sqlitestorage.DumpFileName)
		if _, statErr := os.Stat(path); statErr != nil {
			return fmt.Errorf("no database dump at %s: %w", path, statErr)
		}
		db, err = database.OpenSQLite(path)
	case "postgres":
		db, err = database.OpenPostgres(storageCfg.Postgres.DSN())
	default:
		return fmt.Errorf("storage type %q keeps no job history", storageCfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	dbm, err := database.NewManager(db, logging.NewZerolog("database", logFileWriter(), viper.GetString("logLevel")))
	if err != nil {
		return err
	}
	defer dbm.Close()

	jobs, err := dbm.ListJobs(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSTARTED\tENDED\tSUCCESS\tFRAMES")
	for _, j := range jobs {
		ended := "-"
		if j.EndedAt.Valid {
			ended = j.EndedAt.Time.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%d\n",
			j.ID, j.Name, j.Mode, j.StartedAt.Local().Format(time.DateTime), ended, j.Success, j.FrameCount)
	}
	return w.Flush()
}
