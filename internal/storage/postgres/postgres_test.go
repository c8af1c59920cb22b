package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelapseplus/extension/internal/config"
	"github.com/timelapseplus/extension/internal/storage"
	"github.com/timelapseplus/extension/pkg/core"
)

// Compile-time interface checks
var _ storage.Backend = (*Backend)(nil)
var _ storage.WriteDurationProvider = (*Backend)(nil)

func TestNew_NoConnection(t *testing.T) {
	b := New(config.PostgresConfig{Host: "127.0.0.1", Port: "1"}, Dependencies{})

	require.NotNil(t, b)
	assert.Nil(t, b.Manager())
	assert.Zero(t, b.GetLastDBWriteDuration())
	assert.NoError(t, b.Close())
}

func TestCallsBeforeInit(t *testing.T) {
	b := New(config.PostgresConfig{}, Dependencies{})

	assert.ErrorIs(t, b.StartJob(&core.Job{}), errNotConnected)
	assert.ErrorIs(t, b.EndJob(&core.Job{}, nil), errNotConnected)
	assert.ErrorIs(t, b.RecordFrame(&core.Frame{}), errNotConnected)
	assert.ErrorIs(t, b.RecordFailure(&core.SnapshotFailure{}), errNotConnected)
	assert.ErrorIs(t, b.RecordSegment(&core.Segment{}), errNotConnected)
}

func TestInit_Unreachable(t *testing.T) {
	b := New(config.PostgresConfig{
		Host:     "127.0.0.1",
		Port:     "1",
		Username: "nobody",
		Database: "timelapse",
	}, Dependencies{})

	err := b.Init()
	assert.Error(t, err)
	assert.Nil(t, b.Manager())
}
