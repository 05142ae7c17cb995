package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/internal/config"
	"github.com/3leaps/aerobatch/internal/observability"
	"github.com/3leaps/aerobatch/pkg/artifact"
	"github.com/3leaps/aerobatch/pkg/hostcheck"
	"github.com/3leaps/aerobatch/pkg/pipeline"
)

var (
	doctorJobPath string
	doctorTimeout time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the host, the session bridge and, with --job,
a batch manifest and its artifact store.

Examples:
  aerobatch doctor                    # Host and bridge checks
  aerobatch doctor --job batch.yaml   # Also validate the manifest and S3 access`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorJobPath, "job", "j", "", "Also check this batch manifest")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "Timeout for network checks")
}

// doctorRun numbers checks and tracks whether all passed.
type doctorRun struct {
	logger *zap.Logger
	n      int
	total  int
	ok     bool
}

func (d *doctorRun) pass(what, detail string, fields ...zap.Field) {
	d.n++
	d.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", d.n, d.total, what, detail), fields...)
}

func (d *doctorRun) warn(what, detail string, fields ...zap.Field) {
	d.n++
	d.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", d.n, d.total, what, detail), fields...)
}

func (d *doctorRun) fail(what, detail string, fields ...zap.Field) {
	d.n++
	d.ok = false
	d.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", d.n, d.total, what, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := getConfig()
	logger := observability.CLILogger

	d := &doctorRun{logger: logger, total: 6, ok: true}
	if doctorJobPath != "" {
		d.total += 2
	}

	banner := BinaryName + " doctor"
	logger.Info("=== " + banner + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		d.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		d.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible == "" {
		d.fail("Crucible access", "Cannot access Crucible")
		ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			fmt.Errorf("crucible version unavailable"))
	}
	d.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))

	if version.Gofulmen != "" {
		d.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		d.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	checkDataDir(d, cfg)
	checkHost(ctx, d, cfg)
	checkBridge(ctx, d, cfg)

	if doctorJobPath != "" {
		checkManifest(ctx, d, cfg, doctorJobPath)
	}

	logger.Info("")
	if d.ok {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", BinaryName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")

	if !d.ok {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

func checkDataDir(d *doctorRun, cfg *config.Config) {
	if cfg.DataDir == "" {
		d.warn("data directory", "not configured; job registry and history are off")
		return
	}
	if err := os.MkdirAll(cfg.JobsDir(), 0o755); err != nil {
		d.fail("data directory", "Cannot create "+cfg.DataDir, zap.Error(err))
		return
	}
	d.pass("data directory", cfg.DataDir, zap.String("data_dir", cfg.DataDir))
}

func checkHost(ctx context.Context, d *doctorRun, cfg *config.Config) {
	diskPath := existingDir(cfg.DataDir)
	h, err := hostcheck.Sample(ctx, diskPath)
	if err != nil {
		d.fail("host resources", "Cannot sample host", zap.Error(err))
		return
	}
	processors := cfg.Session.Processors
	if processors == 0 {
		processors = pipeline.DefaultProcessors
	}
	fields := []zap.Field{
		zap.Int("logical_cpus", h.LogicalCPUs),
		zap.Float64("mem_available_gb", h.MemAvailGB),
		zap.Float64("disk_free_gb", h.DiskFreeGB),
		zap.Int("processors", processors),
	}
	warnings := hostcheck.Check(h, processors)
	if len(warnings) == 0 {
		d.pass("host resources", fmt.Sprintf("%d CPUs, %.1f GB free memory, %.1f GB free disk",
			h.LogicalCPUs, h.MemAvailGB, h.DiskFreeGB), fields...)
		return
	}
	d.warn("host resources", fmt.Sprintf("%d warning(s)", len(warnings)), fields...)
	for _, w := range warnings {
		d.logger.Warn("  - " + w.String())
	}
}

func checkBridge(ctx context.Context, d *doctorRun, cfg *config.Config) {
	launcher, err := newLauncher(cfg, d.logger)
	if err != nil {
		d.fail("session bridge", "Invalid bridge configuration", zap.Error(err))
		return
	}
	p, ok := launcher.(interface{ Ping(context.Context) error })
	if !ok {
		d.pass("session bridge", "in-process launcher")
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		d.fail("session bridge", "Cannot reach "+cfg.Session.BridgeURL,
			zap.String("bridge_url", cfg.Session.BridgeURL), zap.Error(err))
		d.logger.Info("  Start the bridge on the engine host or set session.bridge_url / AEROBATCH_BRIDGE_URL.")
		return
	}
	d.pass("session bridge", cfg.Session.BridgeURL, zap.String("bridge_url", cfg.Session.BridgeURL))
}

func checkManifest(ctx context.Context, d *doctorRun, cfg *config.Config, path string) {
	d.logger.Info("")
	d.logger.Info("Manifest Checks:")

	plan, err := loadPlan(ctx, path, cfg, time.Now())
	if err != nil {
		d.fail("manifest", "Invalid", zap.String("path", path), zap.Error(err))
		d.n++ // artifact check skipped
		return
	}
	d.pass("manifest", fmt.Sprintf("%d jobs, %d ramp stages", len(plan.jobs), len(plan.machine.Stages)),
		zap.String("path", plan.path))
	for _, w := range plan.warnings {
		d.logger.Warn("  - " + w.String())
	}

	ac := plan.batch.ArtifactConfig()
	if ac == nil {
		d.pass("artifact store", "not configured")
		return
	}
	checkArtifacts(ctx, d, *ac)
}

func checkArtifacts(ctx context.Context, d *doctorRun, ac artifact.Config) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	creds, err := artifact.CheckCredentials(ctx, ac)
	if err != nil {
		d.fail("artifact store", "Cannot retrieve AWS credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	up, err := artifact.New(ctx, ac, d.logger)
	if err != nil {
		d.fail("artifact store", "Invalid artifact configuration", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("bucket", ac.Bucket),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source),
	}
	if err := up.Ping(ctx); err != nil {
		d.fail("artifact store", "Cannot access s3://"+ac.Bucket, append(fields, zap.Error(err))...)
		return
	}
	d.pass("artifact store", "s3://"+ac.Bucket, fields...)
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set output.artifacts.profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - output.artifacts.endpoint and force_path_style")
	observability.CLILogger.Info("")
}
