package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/timelapseplus/extension/internal/stabilization"
	"github.com/timelapseplus/extension/pkg/core"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "timelapse_recorder.config.json"

// EnvPrefix prefixes environment overrides, e.g. TIMELAPSE_LOGLEVEL.
const EnvPrefix = "TIMELAPSE"

// CaptureConfig holds snapshot scheduling settings.
type CaptureConfig struct {
	SnapshotCommand       string
	Mode                  core.CaptureMode
	Interval              time.Duration
	MaxConcurrentCaptures int
	// Dir is the parent of the per-job capture directories.
	Dir string
}

// PrinterConfig holds firmware behaviour the position tracker must follow.
type PrinterConfig struct {
	// G90InfluencesExtruder makes G90/G91 also switch the extruder mode (Marlin).
	G90InfluencesExtruder bool
	// RecordingLimit bounds the motion segments kept per job.
	RecordingLimit int
	// HomeX, HomeY and HomeZ are where G28 leaves each axis.
	HomeX float64
	HomeY float64
	HomeZ float64
}

// CameraConfig holds the snapshot endpoint settings.
type CameraConfig struct {
	URL         string        `json:"url" mapstructure:"url"`
	FallbackURL string        `json:"fallbackUrl" mapstructure:"fallbackUrl"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds settings for the in-memory SQLite backend.
type SQLiteConfig struct {
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
	DumpDir      string        `json:"dumpDir" mapstructure:"dumpDir"`
}

// PostgresConfig holds the connection settings of the postgres backend.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DSN returns the libpq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// WebSocketConfig holds the live streaming backend settings.
type WebSocketConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	Secret string `json:"secret" mapstructure:"secret"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type      string          `json:"type" mapstructure:"type"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	SQLite    SQLiteConfig    `json:"sqlite" mapstructure:"sqlite"`
	Postgres  PostgresConfig  `json:"postgres" mapstructure:"postgres"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
}

// InfluxConfig holds the capture metrics sink settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL returns the influx server URL.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// UploadConfig holds the S3-compatible archive upload settings.
type UploadConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"accessKey" mapstructure:"accessKey"`
	SecretKey string `json:"secretKey" mapstructure:"secretKey"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Secure    bool   `json:"secure" mapstructure:"secure"`
}

// ArchiveConfig holds the end-of-job archive settings.
type ArchiveConfig struct {
	Enabled        bool         `json:"enabled" mapstructure:"enabled"`
	Dir            string       `json:"dir" mapstructure:"dir"`
	CompressFrames bool         `json:"compressFrames" mapstructure:"compressFrames"`
	Upload         UploadConfig `json:"upload" mapstructure:"upload"`
}

// OTelConfig holds the telemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("capture.snapshotCommand", "SNAPSHOT")
	viper.SetDefault("capture.mode", "command")
	viper.SetDefault("capture.interval", "10s")
	viper.SetDefault("capture.maxConcurrent", 2)
	viper.SetDefault("capture.dir", "./captures")

	d := stabilization.DefaultSettings()
	viper.SetDefault("stabilization.enabled", false)
	viper.SetDefault("stabilization.retractAmount", d.RetractAmount)
	viper.SetDefault("stabilization.retractSpeed", d.RetractSpeed)
	viper.SetDefault("stabilization.retractZHop", d.RetractZHop)
	viper.SetDefault("stabilization.moveSpeed", d.MoveSpeed)
	setAxisDefaults("x", d.ParkX)
	setAxisDefaults("y", d.ParkY)
	setAxisDefaults("z", d.ParkZ)
	viper.SetDefault("stabilization.waitForMovement", d.WaitForMovement)
	viper.SetDefault("stabilization.waitBefore", d.WaitBefore.String())
	viper.SetDefault("stabilization.waitAfter", d.WaitAfter.String())
	viper.SetDefault("stabilization.oozingCompensation", false)
	viper.SetDefault("stabilization.oozingCompensationValue", d.OozingCompensationValue)
	viper.SetDefault("stabilization.infillLookahead", false)
	for _, axis := range []string{"x", "y", "z"} {
		viper.SetDefault("stabilization.limits."+axis+".min", 0.0)
		viper.SetDefault("stabilization.limits."+axis+".max", 0.0)
	}

	viper.SetDefault("printer.g90InfluencesExtruder", false)
	viper.SetDefault("printer.recordingLimit", 500000)
	viper.SetDefault("printer.home.x", 0.0)
	viper.SetDefault("printer.home.y", 0.0)
	viper.SetDefault("printer.home.z", 0.0)

	viper.SetDefault("camera.url", "http://localhost:8080/?action=snapshot")
	viper.SetDefault("camera.fallbackUrl", "")
	viper.SetDefault("camera.timeout", "1s")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./recordings")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.sqlite.dumpDir", "./recordings")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "timelapse")
	viper.SetDefault("storage.websocket.url", "ws://localhost:5000/api")
	viper.SetDefault("storage.websocket.secret", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "timelapse-metrics")
	viper.SetDefault("influx.bucket", "captures")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("archive.enabled", true)
	viper.SetDefault("archive.dir", "./timelapses")
	viper.SetDefault("archive.compressFrames", false)
	viper.SetDefault("archive.upload.enabled", false)
	viper.SetDefault("archive.upload.endpoint", "localhost:9000")
	viper.SetDefault("archive.upload.accessKey", "")
	viper.SetDefault("archive.upload.secretKey", "")
	viper.SetDefault("archive.upload.bucket", "timelapses")
	viper.SetDefault("archive.upload.secure", false)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "timelapse-recorder")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.interval", "30s")
}

func setAxisDefaults(axis string, a stabilization.Axis) {
	prefix := "stabilization.park." + axis + "."
	viper.SetDefault(prefix+"mode", a.Mode.String())
	viper.SetDefault(prefix+"value", a.Value)
	viper.SetDefault(prefix+"from", a.From)
	viper.SetDefault(prefix+"to", a.To)
	viper.SetDefault(prefix+"ease", a.Ease.String())
	viper.SetDefault(prefix+"cycles", a.Cycles)
}

// Load sets default values, applies TIMELAPSE_* environment overrides and
// reads the JSON configuration file from configDir.
func Load(configDir string) error {
	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// BindFlags registers the command line overrides on fs and binds them.
func BindFlags(fs *pflag.FlagSet) error {
	fs.String("config", ".", "directory containing "+FileName)
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("storage", "memory", "storage backend: memory, sqlite, postgres or websocket")

	for key, flag := range map[string]string{
		"configDir":    "config",
		"logLevel":     "log-level",
		"storage.type": "storage",
	} {
		if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetStabilization returns the validated stabilization settings.
// Unknown modes or eases are reported as *stabilization.ConfigurationError.
func GetStabilization() (stabilization.Settings, error) {
	s := stabilization.Settings{
		Enabled:                 viper.GetBool("stabilization.enabled"),
		RetractAmount:           viper.GetFloat64("stabilization.retractAmount"),
		RetractSpeed:            viper.GetFloat64("stabilization.retractSpeed"),
		RetractZHop:             viper.GetFloat64("stabilization.retractZHop"),
		MoveSpeed:               viper.GetFloat64("stabilization.moveSpeed"),
		WaitForMovement:         viper.GetBool("stabilization.waitForMovement"),
		WaitBefore:              viper.GetDuration("stabilization.waitBefore"),
		WaitAfter:               viper.GetDuration("stabilization.waitAfter"),
		OozingCompensation:      viper.GetBool("stabilization.oozingCompensation"),
		OozingCompensationValue: viper.GetFloat64("stabilization.oozingCompensationValue"),
		InfillLookahead:         viper.GetBool("stabilization.infillLookahead"),
		Limits: stabilization.Limits{
			X: getRange("x"),
			Y: getRange("y"),
			Z: getRange("z"),
		},
	}

	var err error
	if s.ParkX, err = getAxis("x"); err != nil {
		return s, err
	}
	if s.ParkY, err = getAxis("y"); err != nil {
		return s, err
	}
	if s.ParkZ, err = getAxis("z"); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func getAxis(axis string) (stabilization.Axis, error) {
	prefix := "stabilization.park." + axis + "."
	mode, err := stabilization.ParseAxisMode(viper.GetString(prefix + "mode"))
	if err != nil {
		return stabilization.Axis{}, stabilization.WrapConfigurationError("park"+strings.ToUpper(axis)+"Mode", err)
	}
	ease, err := stabilization.ParseEase(viper.GetString(prefix + "ease"))
	if err != nil {
		return stabilization.Axis{}, stabilization.WrapConfigurationError("park"+strings.ToUpper(axis)+"Ease", err)
	}
	return stabilization.Axis{
		Mode:   mode,
		Value:  viper.GetFloat64(prefix + "value"),
		From:   viper.GetFloat64(prefix + "from"),
		To:     viper.GetFloat64(prefix + "to"),
		Ease:   ease,
		Cycles: viper.GetFloat64(prefix + "cycles"),
	}, nil
}

func getRange(axis string) stabilization.Range {
	prefix := "stabilization.limits." + axis + "."
	return stabilization.Range{
		Min: viper.GetFloat64(prefix + "min"),
		Max: viper.GetFloat64(prefix + "max"),
	}
}

// GetCapture returns the snapshot scheduling settings.
func GetCapture() (CaptureConfig, error) {
	mode, err := core.ParseCaptureMode(viper.GetString("capture.mode"))
	if err != nil {
		return CaptureConfig{}, &stabilization.ConfigurationError{
			Section: "capture",
			Option:  "mode",
			Message: err.Error(),
			Cause:   err,
		}
	}
	return CaptureConfig{
		SnapshotCommand:       strings.TrimPrefix(viper.GetString("capture.snapshotCommand"), "@"),
		Mode:                  mode,
		Interval:              viper.GetDuration("capture.interval"),
		MaxConcurrentCaptures: viper.GetInt("capture.maxConcurrent"),
		Dir:                   viper.GetString("capture.dir"),
	}, nil
}

// GetPrinter returns the firmware settings.
func GetPrinter() PrinterConfig {
	return PrinterConfig{
		G90InfluencesExtruder: viper.GetBool("printer.g90InfluencesExtruder"),
		RecordingLimit:        viper.GetInt("printer.recordingLimit"),
		HomeX:                 viper.GetFloat64("printer.home.x"),
		HomeY:                 viper.GetFloat64("printer.home.y"),
		HomeZ:                 viper.GetFloat64("printer.home.z"),
	}
}

// GetCamera returns the camera settings.
func GetCamera() CameraConfig {
	return CameraConfig{
		URL:         viper.GetString("camera.url"),
		FallbackURL: viper.GetString("camera.fallbackUrl"),
		Timeout:     viper.GetDuration("camera.timeout"),
	}
}

// GetStorage returns the storage backend settings.
func GetStorage() StorageConfig {
	return StorageConfig{
		Type: strings.ToLower(viper.GetString("storage.type")),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
			DumpDir:      viper.GetString("storage.sqlite.dumpDir"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
		},
		WebSocket: WebSocketConfig{
			URL:    viper.GetString("storage.websocket.url"),
			Secret: viper.GetString("storage.websocket.secret"),
		},
	}
}

// GetInflux returns the capture metrics settings.
func GetInflux() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetArchive returns the end-of-job archive settings.
func GetArchive() ArchiveConfig {
	return ArchiveConfig{
		Enabled:        viper.GetBool("archive.enabled"),
		Dir:            viper.GetString("archive.dir"),
		CompressFrames: viper.GetBool("archive.compressFrames"),
		Upload: UploadConfig{
			Enabled:   viper.GetBool("archive.upload.enabled"),
			Endpoint:  viper.GetString("archive.upload.endpoint"),
			AccessKey: viper.GetString("archive.upload.accessKey"),
			SecretKey: viper.GetString("archive.upload.secretKey"),
			Bucket:    viper.GetString("archive.upload.bucket"),
			Secure:    viper.GetBool("archive.upload.secure"),
		},
	}
}

// GetOTel returns the telemetry settings.
func GetOTel() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
