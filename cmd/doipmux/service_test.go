package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnet/doipmux/internal/svc"
	"github.com/diagnet/doipmux/testutil"
)

const serviceTestConfig = `
targets:
  - name: gateway
    address: 10.0.0.5
    sessions:
      - name: engine
        client: {bus: 0, node: 14}
        server: {bus: 0, node: 16}
        frame_length: 8
`

func TestServiceCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"install", "uninstall", "start", "stop", "restart", "status", "logs", "run"} {
		cmd, _, err := root.Find([]string{"service", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	run, _, err := root.Find([]string{"service", "run"})
	require.NoError(t, err)
	assert.True(t, run.Hidden)
}

func TestInstallConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "doipmux.yaml", serviceTestConfig)
	cfg, err := installConfig("", path)
	require.NoError(t, err)
	assert.Equal(t, svc.DefaultServiceName, cfg.Name)
	assert.True(t, filepath.IsAbs(cfg.ConfigPath))
	assert.Equal(t, path, cfg.ConfigPath)

	_, err = installConfig("doipmux", filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")

	empty := testutil.TempFile(t, dir, "empty.yaml", "{}\n")
	_, err = installConfig("doipmux", empty)
	assert.ErrorContains(t, err, "no targets")

	invalid := testutil.TempFile(t, dir, "invalid.yaml", "port: 70000\n")
	_, err = installConfig("doipmux", invalid)
	assert.Error(t, err)
}

func TestServiceRunFunc_LoadsConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	root := newRootCmd()
	run := serviceRunFunc(root, false)

	err := run(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := testutil.TempFile(t, dir, "empty.yaml", "{}\n")
	err = run(context.Background(), empty)
	assert.ErrorContains(t, err, "no targets")
}
