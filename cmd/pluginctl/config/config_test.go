package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggle/pluginmanager/pkg/control"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("socket", "", "")
	cmd.Flags().Duration("timeout", 0, "")
	cmd.Flags().Duration("bulk-timeout", 0, "")
	cmd.Flags().String("health-addr", "", "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

// TestLoadConfig_Defaults verifies defaults when no file, env or flag is set.
func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig(newTestCommand(t))
	require.NoError(t, err)
	assert.Equal(t, control.DefaultSocketPath, cfg.Socket)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.BulkTimeout)
	assert.Equal(t, "localhost:9092", cfg.HealthAddr)
}

// TestLoadConfig_Precedence verifies flags override env, which overrides the file.
func TestLoadConfig_Precedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("socket: /run/file.sock\ntimeout: 5s\nbulk_timeout: 1m\nhealth_addr: node:9092\n"), 0o644))

	cfg, err := LoadConfig(newTestCommand(t, "--config", file))
	require.NoError(t, err)
	assert.Equal(t, "/run/file.sock", cfg.Socket)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, time.Minute, cfg.BulkTimeout)
	assert.Equal(t, "node:9092", cfg.HealthAddr)

	t.Setenv("PLUGINCTL_SOCKET", "/run/env.sock")
	t.Setenv("PLUGINCTL_BULK_TIMEOUT", "3m")
	cfg, err = LoadConfig(newTestCommand(t, "--config", file))
	require.NoError(t, err)
	assert.Equal(t, "/run/env.sock", cfg.Socket)
	assert.Equal(t, 3*time.Minute, cfg.BulkTimeout)

	cfg, err = LoadConfig(newTestCommand(t, "--config", file, "--socket", "/run/flag.sock", "--timeout", "2s", "--bulk-timeout", "20m"))
	require.NoError(t, err)
	assert.Equal(t, "/run/flag.sock", cfg.Socket)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 20*time.Minute, cfg.BulkTimeout)
}

// TestLoadConfig_MissingExplicitFile verifies a named config file must exist.
func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(newTestCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestConfig_Clients(t *testing.T) {
	cfg := &Config{Socket: "/run/pm.sock", Timeout: time.Second, BulkTimeout: time.Hour, HealthAddr: "127.0.0.1:1"}

	client := cfg.NewControlClient()
	assert.Equal(t, "/run/pm.sock", client.Path)
	assert.Equal(t, time.Second, client.Timeout)
	assert.Equal(t, time.Hour, client.BulkTimeout)

	health, conn, err := cfg.NewHealthClient()
	require.NoError(t, err)
	defer conn.Close()
	assert.NotNil(t, health)
}
