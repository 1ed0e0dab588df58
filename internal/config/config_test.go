package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoPath(t *testing.T) {
	tun, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 300*time.Second, tun.SlaveTTL)
	require.Equal(t, "c", tun.DefaultABI)
	require.False(t, tun.DebugMode)
}

func TestLoadOverridesFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slaved.toml")
	const toml = `
slave_ttl = "10s"
slave_relaunch_count = 5
default_abi = "cpp"
debug_mode = true

[log]
dir = "/tmp/slaved-log"
level = "debug"

[[history]]
type = "sqlite"
dsn = "file:/tmp/slaved.db"
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	tun, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, tun.SlaveTTL)
	require.Equal(t, 5, tun.SlaveRelaunchCount)
	require.Equal(t, "cpp", tun.DefaultABI)
	require.True(t, tun.DebugMode)
	require.Equal(t, "debug", tun.Log.Level)
	require.Len(t, tun.History, 1)
	require.Equal(t, "sqlite", tun.History[0].Type)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}
