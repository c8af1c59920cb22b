package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/timelapseplus/extension/internal/archive"
	"github.com/timelapseplus/extension/internal/camera"
	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/dispatcher"
	"github.com/timelapseplus/extension/internal/handlers"
	"github.com/timelapseplus/extension/internal/influx"
	"github.com/timelapseplus/extension/internal/logging"
	"github.com/timelapseplus/extension/internal/monitor"
	intOtel "github.com/timelapseplus/extension/internal/otel"
	"github.com/timelapseplus/extension/internal/printjob"
	"github.com/timelapseplus/extension/internal/scheduler"
	"github.com/timelapseplus/extension/internal/worker"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentExtensionVersion string = "0.0.1"
	BuildDate               string = "unknown"

	ExtensionName string = "timelapse_recorder"
)

// file paths
var (
	LogFilePath string
	LogFile     *os.File
)

// global variables
var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger = slog.Default()

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	SessionStartTime time.Time = time.Now()

	// Services
	handlerService  *handlers.Service
	workerManager   *worker.Manager
	monitorService  *monitor.Service
	eventDispatcher *dispatcher.Dispatcher
)

var errCaptureSettings = errors.New("invalid capture settings")

func main() {
	fs := pflag.NewFlagSet(ExtensionName, pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [replay <file.gcode> | jobs]\n", ExtensionName)
		fs.PrintDefaults()
	}
	if err := config.BindFlags(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	_ = fs.Parse(os.Args[1:])

	configErr := config.Load(viper.GetString("configDir"))
	setupLogging()
	defer closeLogging()
	if configErr != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		Logger.Info("Loaded config", "file", viper.ConfigFileUsed())
	}
	Logger.Info("Starting up...", "version", CurrentExtensionVersion, "build", BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	args := fs.Args()
	switch {
	case len(args) == 0:
		err = runBridge(ctx)
	case strings.EqualFold(args[0], "replay"):
		if len(args) < 2 {
			err = errors.New("replay: no job file provided")
			break
		}
		err = runReplay(ctx, args[1], os.Stdout)
	case strings.EqualFold(args[0], "jobs"):
		err = listJobs(os.Stdout, 50)
	default:
		fs.Usage()
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		Logger.Error("Exiting with error", "error", err)
		closeLogging()
		os.Exit(1)
	}
}

func setupLogging() {
	SlogManager = logging.NewSlogManager()
	logsDir := viper.GetString("logsDir")
	level := viper.GetString("logLevel")

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logs directory: %v\n", err)
	}
	LogFilePath = logging.LogFilePath(logsDir, ExtensionName, SessionStartTime)
	if _, err := os.Stat(LogFilePath); err == nil {
		_ = os.Rename(LogFilePath, LogFilePath+".old")
	}
	var err error
	LogFile, err = os.OpenFile(LogFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create/open log file %s: %v\n", LogFilePath, err)
		LogFile = nil
	}

	opts := logging.Options{
		Level:   level,
		Context: jobLogAttrs,
	}
	// stdout carries the bridge protocol
	opts.File = os.Stderr
	if LogFile != nil {
		opts.File = LogFile
	}

	otelCfg := config.GetOTel()
	if otelCfg.Enabled {
		OTelProvider, err = intOtel.New(intOtel.Config{
			Enabled:        otelCfg.Enabled,
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: CurrentExtensionVersion,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      logFileWriter(),
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize OTel provider: %v\n", err)
			OTelProvider = nil
		}
	}
	if OTelProvider != nil {
		opts.Provider = OTelProvider.LoggerProvider()
	}

	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGraylogWriter(config.GetString("graylog.address"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Graylog: %v\n", err)
		} else {
			opts.Graylog = w
		}
	}

	SlogManager.Setup(opts)
	Logger = SlogManager.Logger()
	Logger.Info("Logging to file", "path", LogFilePath)
}

func closeLogging() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if SlogManager != nil {
		if err := SlogManager.Flush(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to flush logs: %v\n", err)
		}
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to shut down OTel provider: %v\n", err)
		}
		OTelProvider = nil
	}
	if LogFile != nil {
		_ = LogFile.Sync()
	}
}

// logFileWriter returns the log file, or nil when it could not be opened.
func logFileWriter() io.Writer {
	if LogFile == nil {
		return nil
	}
	return LogFile
}

// jobLogAttrs adds the active job to every log record.
func jobLogAttrs() []slog.Attr {
	if workerManager != nil {
		return workerManager.LogAttrs()
	}
	return nil
}

// jobSettings reads the settings a new job starts with.
func jobSettings() (printjob.Settings, error) {
	capture, err := config.GetCapture()
	if err != nil {
		return printjob.Settings{}, fmt.Errorf("%w: %v", errCaptureSettings, err)
	}
	s := printjob.Settings{
		Capture:    capture,
		Printer:    config.GetPrinter(),
		KeepFrames: !config.GetArchive().Enabled,
	}
	s.Stabilization, err = config.GetStabilization()
	return s, err
}

// settingsSnapshot is the JSON stored with every job in the database.
func settingsSnapshot() []byte {
	s, err := jobSettings()
	if errors.Is(err, errCaptureSettings) {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		Logger.Warn("Failed to encode settings snapshot", "error", err)
		return nil
	}
	return data
}

func newCamera(cfg config.CameraConfig) scheduler.Camera {
	primary := camera.New(cfg.URL, cfg.Timeout)
	if cfg.FallbackURL == "" {
		return primary
	}
	return camera.WithFallback(primary, camera.New(cfg.FallbackURL, cfg.Timeout))
}

// runBridge records jobs for a print host speaking the line protocol on
// stdin and stdout.
func runBridge(ctx context.Context) (err error) {
	eventDispatcher, err = dispatcher.New(Logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	level := viper.GetString("logLevel")
	dbLogger := logging.NewZerolog("database", logFileWriter(), level)
	backend, err := createStorageBackend(config.GetStorage(), settingsSnapshot(), dbLogger)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			Logger.Error("Failed to close storage backend", "error", cerr)
		}
	}()

	var metrics worker.PointWriter
	if influxCfg := config.GetInflux(); influxCfg.Enabled {
		backup := filepath.Join(viper.GetString("logsDir"), fmt.Sprintf("%s_influx_%s.lp.gz", ExtensionName, SessionStartTime.Format("20060102_150405")))
		im := influx.NewManager(influxCfg, logging.NewZerolog("influx", logFileWriter(), level), backup)
		if err := im.Connect(ctx); err != nil {
			Logger.Warn("Capture metrics disabled", "error", err)
		} else {
			metrics = im
			defer im.Close()
		}
	}

	workerManager = worker.NewManager(worker.Dependencies{
		Dispatcher: eventDispatcher,
		Logger:     Logger,
		Metrics:    metrics,
	}, backend)
	Logger.Debug("Registering worker handlers with dispatcher")
	workerManager.RegisterHandlers(eventDispatcher)

	archiveCfg := config.GetArchive()
	var uploader *archive.Uploader
	if archiveCfg.Enabled && archiveCfg.Upload.Enabled {
		uploader, err = archive.NewUploader(archiveCfg.Upload)
		if err != nil {
			Logger.Warn("Archive upload disabled", "error", err)
			uploader = nil
		}
	}

	host := newBridge(os.Stdout)
	jobs := printjob.NewContext()
	// jobs outlive the signal context so a job can still be finished on shutdown
	handlerService = handlers.NewService(context.WithoutCancel(ctx), handlers.Dependencies{
		Dispatcher: eventDispatcher,
		Backend:    backend,
		Recorder:   workerManager,
		Camera:     newCamera(config.GetCamera()),
		Channel:    host,
		Settings:   jobSettings,
		Archive:    archiveCfg,
		Uploader:   uploader,
		Logger:     Logger,
	}, jobs)
	handlerService.RegisterHandlers(eventDispatcher)
	Logger.Info("Handlers registered with dispatcher")

	monitorService = monitor.NewService(monitor.Dependencies{
		Logger:        Logger,
		Jobs:          jobs,
		WorkerManager: workerManager,
		Backend:       backend,
		Metrics:       metrics,
		StatusDir:     viper.GetString("logsDir"),
		Interval:      config.GetDuration("monitor.interval"),
	})
	if err := monitorService.Start(); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
	}
	defer monitorService.Stop()

	Logger.Info("Waiting for host requests on stdin")
	runErr := host.run(ctx, os.Stdin, eventDispatcher, handlerService)

	if err := handlerService.Close(); err != nil {
		Logger.Error("Failed to finish job on shutdown", "error", err)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eventDispatcher.Close(closeCtx); err != nil {
		Logger.Error("Failed to drain dispatcher", "error", err)
	}
	return runErr
}
