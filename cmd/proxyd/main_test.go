package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInstanceUUIDPersistsAcrossLaunches(t *testing.T) {
	t.Setenv("FULCRUM_INSTANCE_UUID", "")
	path := filepath.Join(t.TempDir(), instanceFile)

	first, err := loadInstanceUUID(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A relaunch reads the same uuid back, which is what makes id reclaim
	// after a restart possible.
	second, err := loadInstanceUUID(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+"\n", string(data))
}

func TestLoadInstanceUUIDEnvOverride(t *testing.T) {
	t.Setenv("FULCRUM_INSTANCE_UUID", "uuid-from-env")
	path := filepath.Join(t.TempDir(), instanceFile)

	id, err := loadInstanceUUID(path)
	require.NoError(t, err)
	assert.Equal(t, "uuid-from-env", id)

	// The override never touches the file.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadInstanceUUIDIgnoresBlankFile(t *testing.T) {
	t.Setenv("FULCRUM_INSTANCE_UUID", "")
	path := filepath.Join(t.TempDir(), instanceFile)
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))

	id, err := loadInstanceUUID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
