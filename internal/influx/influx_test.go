package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/pkg/core"
)

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), "")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
	assert.NoError(t, m.Close())
}

func TestWritePoint_NotConnected(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), "")
	assert.Error(t, m.WritePoint(PerformancePoint(time.Now(), map[string]interface{}{"x": 1})))
}

func TestConnect_FallsBackToBackup(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     "127.0.0.1",
		Port:     "1",
		Bucket:   "captures",
	}, zerolog.Nop(), backup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid)

	frame := core.Frame{Index: 3, Size: 1234, FilePos: 99, Stabilized: true, CapturedAt: time.Unix(100, 0), Latency: 250 * time.Millisecond}
	require.NoError(t, m.WritePoint(FramePoint("benchy", frame)))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	line := strings.TrimSpace(string(raw))
	assert.True(t, strings.HasPrefix(line, MeasurementFrame+",job=benchy,stabilized=true "), line)
	assert.Contains(t, line, "size=1234i")
	assert.Contains(t, line, "latency_ms=250")
}

func TestFailurePoint(t *testing.T) {
	p := FailurePoint("cube", core.SnapshotFailure{At: time.Unix(1, 0), Kind: core.FailureTransport, Message: "refused"})

	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, MeasurementFailure+",job=cube,kind=transport")
	assert.Contains(t, line, `message="refused"`)
}
