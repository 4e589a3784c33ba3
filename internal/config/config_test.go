package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, LeaseFile, cfg.Lease.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, "polyflow", cfg.Queue.Name)
	assert.Equal(t, 8, cfg.Concurrency)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
root: /data/sweep
log:
  level: debug
lease:
  ttl: 1m
concurrency: 4
`)
	t.Setenv("POLYFLOW_CONCURRENCY", "16")
	t.Setenv("POLYFLOW_HTTP_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/sweep", cfg.Root)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Lease.TTL)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
}

func TestLoad_NATSBackendRequiresURL(t *testing.T) {
	path := writeConfig(t, "lease:\n  backend: nats\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Lease.NATSURL is required")
}

func TestLoad_ReportsEveryViolation(t *testing.T) {
	path := writeConfig(t, "log:\n  level: loud\nconcurrency: 0\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Log.Level")
	assert.Contains(t, err.Error(), "Concurrency")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWith_OverridesWin(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("root", "/override")

	cfg, err := LoadWith(v, "")
	require.NoError(t, err)
	assert.Equal(t, "/override", cfg.Root)
}
