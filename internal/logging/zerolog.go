package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewZerolog builds the console/file logger used by the database and
// influx managers, which predate the slog setup.
func NewZerolog(component string, file io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}}
	if file != nil {
		writers = append(writers, file)
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
