package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValues(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 7465, config.TCPPort)
	assert.Equal(t, "Parley Server", config.ServerName)
	assert.Equal(t, int64(64*1024*1024), config.MaxFileSize)
	assert.Equal(t, 4096, config.MaxMessageLength)
	assert.Equal(t, 200, config.HistoryLimit)
	assert.Equal(t, 30, config.TransferTimeoutSeconds)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7465, config.Server.TCPPort)

	// The file was written and parses back to the same values.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, reloaded)
}

func TestLoadConfigBackfillsOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ntcp_port = 9001\n"), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, config.Server.TCPPort)
	assert.Equal(t, "Parley Server", config.Server.ServerName)
	assert.Equal(t, 4096, config.Limits.MaxMessageLength)

	runtime := config.ToServerConfig()
	assert.Equal(t, 9001, runtime.TCPPort)
	assert.Equal(t, int64(64*1024*1024), runtime.MaxFileSize)
}
