// Package cmd implements the aerobatch command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/internal/config"
	"github.com/3leaps/aerobatch/internal/observability"
	"github.com/3leaps/aerobatch/internal/server/handlers"
)

// BinaryName is the command name used in logs and help.
const BinaryName = "aerobatch"

var (
	cfgFile  string
	verbose  bool
	logLevel string
	dataDir  string

	appConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var rootCmd = &cobra.Command{
	Use:   BinaryName,
	Short: "Batch external-aerodynamics CFD runner",
	Long: `aerobatch runs vehicle geometries through meshing, a staged solver ramp
and result extraction, one job at a time, and collects the aerodynamic
coefficients of every job into a summary CSV.

Engine sessions are driven through a session bridge (see session.bridge_url).

Examples:
  aerobatch run --job batch.yaml
  aerobatch run --job batch.yaml --dry-run
  aerobatch summary show runs/summary.csv
  aerobatch jobs list
  aerobatch doctor`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/aerobatch/aerobatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose (debug) logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override data_dir (job registry and history)")
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitCode(err)
	}
	return 0
}

// initApp installs the CLI logger and loads the app configuration.
func initApp(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(BinaryName, verbose)

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, flagOverrides())
	if err != nil {
		return exitError(exitConfigError, "Invalid configuration", err)
	}
	appConfig = cfg

	// --verbose wins over the configured level.
	if !verbose {
		l, err := observability.NewLogger(BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
		if err != nil {
			return exitError(exitConfigError, "Invalid logging.level", err)
		}
		observability.CLILogger = l
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("data_dir", cfg.DataDir),
		zap.String("bridge_url", cfg.Session.BridgeURL))
	return nil
}

// flagOverrides maps persistent flags onto config keys.
func flagOverrides() map[string]any {
	o := map[string]any{}
	if logLevel != "" {
		o["logging"] = map[string]any{"level": logLevel}
	}
	if dataDir != "" {
		o["data_dir"] = dataDir
	}
	return o
}

// getConfig returns the loaded configuration. Commands run after initApp,
// so nil only happens in tests that call run functions directly.
func getConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}
