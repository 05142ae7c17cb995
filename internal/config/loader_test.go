package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup directory at a temp dir so a developer's own
// config file does not leak into the tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)

		assert.Equal(t, "http://127.0.0.1:8765", cfg.Session.BridgeURL)
		assert.Equal(t, 10*time.Minute, cfg.Session.LaunchTimeout)
		assert.Zero(t, cfg.Session.RequestTimeout)
		assert.Equal(t, 1024, cfg.Events.Buffer)

		assert.Contains(t, cfg.DataDir, "aerobatch")
		assert.Equal(t, filepath.Join(cfg.DataDir, "jobs"), cfg.JobsDir())
		assert.Equal(t, filepath.Join(cfg.DataDir, "history.db"), cfg.HistoryPath())
		assert.True(t, cfg.History.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("AEROBATCH_PORT", "3000")
		t.Setenv("AEROBATCH_LOG_LEVEL", "warn")
		t.Setenv("AEROBATCH_METRICS_ENABLED", "false")
		t.Setenv("AEROBATCH_BRIDGE_URL", "http://bridge:9000")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "http://bridge:9000", cfg.Session.BridgeURL)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("AEROBATCH_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidPort", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port out of range")
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	dir := isolate(t)

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: ~/cfd
session:
  bridge_url: http://10.0.0.5:8765
  launch_timeout: 20m
  processors: 64
history:
  path: /var/lib/aerobatch/history.db
`), 0o644))

	cfg, err := LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cfd"), cfg.DataDir)
	assert.Equal(t, "http://10.0.0.5:8765", cfg.Session.BridgeURL)
	assert.Equal(t, 20*time.Minute, cfg.Session.LaunchTimeout)
	assert.Equal(t, 64, cfg.Session.Processors)
	assert.Equal(t, "/var/lib/aerobatch/history.db", cfg.HistoryPath())

	t.Run("UserConfigDir", func(t *testing.T) {
		confDir := filepath.Join(dir, "config", "aerobatch")
		require.NoError(t, os.MkdirAll(confDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(confDir, "aerobatch.yaml"), []byte("events:\n  buffer: 64\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Events.Buffer)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	cfg2, err := Load(ctx, map[string]any{"server": map[string]any{"port": cfg.Server.Port + 1000}})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "AEROBATCH_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["AEROBATCH_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["AEROBATCH_PORT"])
	assert.Equal(t, "server.host", names["AEROBATCH_HOST"])
	assert.Equal(t, "session.bridge_url", names["AEROBATCH_BRIDGE_URL"])
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("AEROBATCH_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("AEROBATCH_SERVER_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("AEROBATCH_SESSION_REQUEST_TIMEOUT", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, cfg.Session.RequestTimeout)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":  map[string]any{"port": 1, "host": "h"},
		"verbose": true,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.host": "h", "verbose": true}, got)
}
