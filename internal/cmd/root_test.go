package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(exitError(foundry.ExitFileNotFound, "missing", nil)))

	wrapped := errors.Join(errors.New("context"), exitError(exitJobsFailed, "jobs failed", nil))
	assert.Equal(t, exitJobsFailed, ExitCode(wrapped))

	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", errors.New("bad stage"))
	assert.Contains(t, err.Error(), "Invalid manifest: bad stage")
	assert.Contains(t, err.Error(), "exit code")
}

func TestFlagOverrides(t *testing.T) {
	t.Cleanup(func() { logLevel, dataDir = "", "" })

	logLevel, dataDir = "", ""
	assert.Empty(t, flagOverrides())

	logLevel, dataDir = "debug", "/srv/aerobatch"
	o := flagOverrides()
	assert.Equal(t, map[string]any{"level": "debug"}, o["logging"])
	assert.Equal(t, "/srv/aerobatch", o["data_dir"])
}

func TestInitApp(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))

	origCfg, origFile, origDir := appConfig, cfgFile, dataDir
	t.Cleanup(func() { appConfig, cfgFile, dataDir = origCfg, origFile, origDir })

	cfgPath := filepath.Join(t.TempDir(), "aerobatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("session:\n  bridge_url: http://engine-01:8765\n  processors: 16\n"), 0o644))
	cfgFile = cfgPath
	dataDir = filepath.Join(home, "data")

	rootCmd.SetContext(context.Background())
	require.NoError(t, initApp(rootCmd, nil))

	cfg := getConfig()
	assert.Equal(t, "http://engine-01:8765", cfg.Session.BridgeURL)
	assert.Equal(t, 16, cfg.Session.Processors)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "jobs"), cfg.JobsDir())

	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	err := initApp(rootCmd, nil)
	require.Error(t, err)
	assert.Equal(t, exitConfigError, ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	origVersion := versionInfo.Version
	t.Cleanup(func() {
		versionInfo.Version = origVersion
		versionExtended = false
	})
	versionInfo.Version = "1.2.3"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Equal(t, "aerobatch 1.2.3\n", out.String())

	out.Reset()
	versionExtended = true
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "gofulmen:")
}

func TestCommandTree(t *testing.T) {
	want := []string{"run", "doctor", "summary", "jobs", "history", "version"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}
