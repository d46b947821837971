package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/satchel/internal/storetest"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

func TestBackend_Conformance(t *testing.T) {
	storetest.Run(t, types.BackendSQLite, func() types.Store { return NewBackend() })
}

func TestBackend_AttachCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: dir}))
	t.Cleanup(func() { b.Detach() })

	_, err := os.Stat(filepath.Join(dir, DBFileName))
	assert.NoError(t, err, "database file created")
}

func TestBackend_AttachRejectsUnknownBackend(t *testing.T) {
	b := NewBackend()
	err := b.Attach(types.Config{Backend: "dolt", DataDir: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	early := formatTime(mustParse(t, "2026-03-01T10:00:05Z"))
	late := formatTime(mustParse(t, "2026-03-01T10:00:05.5Z"))
	assert.Less(t, early, late)

	back, err := parseTime(late)
	require.NoError(t, err)
	assert.True(t, back.Equal(mustParse(t, "2026-03-01T10:00:05.5Z")))
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return v
}
