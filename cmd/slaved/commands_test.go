package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["run"])
	require.True(t, names["config"])
	require.True(t, names["status"])
}

func TestConfigValidateEmptyPathUsesDefaults(t *testing.T) {
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"config", "validate"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "DefaultABI")
}

func TestConfigValidateReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, "slaved.toml", `default_abi = "js"
slave_max_load = 7
`)
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"config", "validate", "--config", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), `"SlaveMaxLoad": 7`)
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, "bad.toml", "not = [valid toml")
	root := newRootCommand()
	root.SetArgs([]string{"config", "validate", "--config", path})
	require.Error(t, root.Execute())
}

func TestStatusCommandFailsAgainstUnreachableAddr(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"status", "--addr", "127.0.0.1:1"})
	require.Error(t, root.Execute())
}
