package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/aerobatch/internal/config"
	"github.com/3leaps/aerobatch/internal/observability"
	"github.com/3leaps/aerobatch/internal/server"
	"github.com/3leaps/aerobatch/internal/server/handlers"
	"github.com/3leaps/aerobatch/pkg/artifact"
	"github.com/3leaps/aerobatch/pkg/history"
	"github.com/3leaps/aerobatch/pkg/hostcheck"
	"github.com/3leaps/aerobatch/pkg/jobregistry"
	"github.com/3leaps/aerobatch/pkg/manifest"
	"github.com/3leaps/aerobatch/pkg/output"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/progress"
	"github.com/3leaps/aerobatch/pkg/queue"
	"github.com/3leaps/aerobatch/pkg/session"
	"github.com/3leaps/aerobatch/pkg/session/bridge"
	"github.com/3leaps/aerobatch/pkg/summary"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch from a manifest",
	Long: `Run every job of a batch manifest through the CFD pipeline, one at a
time, and append each job's coefficients to the summary CSV.

The first SIGINT/SIGTERM stops the queue after the job in flight. A second
one also stops that job at its next ramp stage boundary.

Example:
  aerobatch run --job batch.yaml
  aerobatch run --job batch.yaml --dry-run
  aerobatch run --job batch.yaml --listen 127.0.0.1:8080`,
	RunE: runRun,
}

var (
	runJobPath string
	runDryRun  bool
	runListen  string
	runQuiet   bool
	runEvents  string
)

// progressEvery throttles the console progress echo. Job and recovery
// events are always shown.
const progressEvery = 5 * time.Second

// newLauncher builds the engine session launcher. Tests replace it.
var newLauncher = func(cfg *config.Config, logger *zap.Logger) (session.Launcher, error) {
	return bridge.New(bridge.Config{
		BaseURL:      cfg.Session.BridgeURL,
		QueryTimeout: cfg.Session.RequestTimeout,
		Logger:       logger,
	})
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to batch manifest (required)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate the manifest and show the plan without running")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Serve the status API on host:port during the run")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress the progress echo")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Override output.events (\"-\" for stdout)")

	_ = runCmd.MarkFlagRequired("job")
}

// batchPlan is a loaded, validated batch ready to run.
type batchPlan struct {
	path     string
	batch    *manifest.Batch
	machine  pipeline.Config
	jobs     []pipeline.Job
	events   string
	host     *hostcheck.Host
	warnings []hostcheck.Warning
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := getConfig()

	plan, err := loadPlan(ctx, runJobPath, cfg, time.Now())
	if err != nil {
		return err
	}
	if runEvents != "" {
		plan.events = runEvents
	}
	for _, w := range plan.warnings {
		observability.CLILogger.Warn("Host resource warning",
			zap.String("resource", w.Resource),
			zap.String("detail", w.Message))
	}

	if runDryRun {
		return showRunPlan(cmd.OutOrStdout(), plan)
	}

	runCtx, stopJob := context.WithCancel(ctx)
	defer stopJob()

	b, err := newBatchRun(runCtx, plan, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		signals := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case sig := <-sigCh:
				signals++
				if signals == 1 {
					observability.CLILogger.Warn("Stopping after the current job; signal again to stop it at the next stage",
						zap.String("signal", sig.String()))
					b.queue.Cancel()
					continue
				}
				observability.CLILogger.Warn("Stopping the current job at the next stage boundary",
					zap.String("signal", sig.String()))
				stopJob()
				return
			}
		}
	}()

	if runListen != "" {
		if err := b.serve(runListen, cfg); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start status API", err)
		}
	}

	report, err := b.run(runCtx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Batch run failed", err)
	}
	b.uploadSummary(ctx)
	printReport(cmd.OutOrStdout(), report)
	return reportError(report)
}

// loadPlan loads the manifest, builds the machine configuration with host
// defaults laid under it, expands the job list and samples the host.
func loadPlan(ctx context.Context, path string, cfg *config.Config, now time.Time) (*batchPlan, error) {
	b, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest", zap.String("path", path), zap.Error(err))
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	mc, err := b.MachineConfig()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if b.Session.Processors == 0 && cfg.Session.Processors > 0 {
		mc.Launch.Processors = cfg.Session.Processors
	}
	if b.Session.LaunchTimeout == "" && cfg.Session.LaunchTimeout > 0 {
		mc.LaunchTimeout = cfg.Session.LaunchTimeout
	}

	jobs, err := b.ResolveJobs(now)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid job list", err)
	}

	plan := &batchPlan{path: path, batch: b, machine: mc, jobs: jobs, events: b.EventsPath()}
	if abs, err := filepath.Abs(path); err == nil {
		plan.path = abs
	}

	host, err := hostcheck.Sample(ctx, existingDir(b.OutputRoot()))
	if err != nil {
		observability.CLILogger.Debug("Host sampling failed", zap.Error(err))
	} else {
		plan.host = &host
		plan.warnings = hostcheck.Check(host, mc.Launch.Processors)
	}
	return plan, nil
}

// existingDir returns p or its nearest existing ancestor.
func existingDir(p string) string {
	if p == "" {
		p = "."
	}
	for {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func showRunPlan(w io.Writer, p *batchPlan) error {
	_, _ = fmt.Fprintln(w, "=== Batch Plan (dry-run) ===")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Manifest:    %s\n", p.path)
	_, _ = fmt.Fprintf(w, "Processors:  %d\n", p.machine.Launch.Processors)
	_, _ = fmt.Fprintf(w, "Precision:   %s\n", p.machine.Launch.Precision)
	_, _ = fmt.Fprintf(w, "Launch:      %s timeout\n", p.machine.LaunchTimeout)
	_, _ = fmt.Fprintf(w, "Inlet:       %.3f m/s\n", p.machine.Physics.InletVelocity)
	_, _ = fmt.Fprintf(w, "Summary:     %s\n", p.batch.SummaryPath())
	if p.events != "" {
		_, _ = fmt.Fprintf(w, "Events:      %s\n", p.events)
	}
	if a := p.batch.ArtifactConfig(); a != nil {
		_, _ = fmt.Fprintf(w, "Artifacts:   s3://%s/%s\n", a.Bucket, a.Prefix)
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "Ramp (%d stages):\n", len(p.machine.Stages))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  STAGE\tRELAXATION\tCFL\tCURVATURE\tITERATIONS")
	for _, s := range p.machine.Stages {
		cfl := "-"
		if s.CFL != nil {
			cfl = strconv.FormatFloat(*s.CFL, 'g', -1, 64)
		}
		_, _ = fmt.Fprintf(tw, "  %s\t%.2f\t%s\t%t\t%d\n", s.Name, s.Relaxation.Momentum, cfl, s.CurvatureCorrection, s.Iterations)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "Jobs (%d):\n", len(p.jobs))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  NAME\tVARIANT\tGEOMETRY\tOUTPUT")
	for _, j := range p.jobs {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", j.Name, j.Variant, j.GeometryPath, j.OutputDir)
	}
	_ = tw.Flush()

	if len(p.warnings) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "Warnings:")
		for _, warn := range p.warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warn)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "=== End Plan ===")
	return nil
}

// batchRun owns everything one run opens.
type batchRun struct {
	plan     *batchPlan
	logger   *zap.Logger
	runID    string
	bus      *progress.Bus
	queue    *queue.Queue
	registry *jobregistry.Store
	uploader *artifact.Uploader
	metrics  *observability.Metrics
	srv      *server.Server
	launcher session.Launcher

	closers []func()
}

func newBatchRun(ctx context.Context, plan *batchPlan, cfg *config.Config) (*batchRun, error) {
	logger := observability.CLILogger
	b := &batchRun{
		plan:   plan,
		logger: logger,
		runID:  uuid.New().String(),
		bus:    progress.NewBus(cfg.Events.Buffer),
	}
	ok := false
	defer func() {
		if !ok {
			b.close()
		}
	}()

	launcher, err := newLauncher(cfg, logger)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to create session launcher", err)
	}
	b.launcher = launcher

	var machineOpts []pipeline.Option
	machineOpts = append(machineOpts, pipeline.WithLogger(logger))
	if ac := plan.batch.ArtifactConfig(); ac != nil {
		up, err := artifact.New(ctx, *ac, logger)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure artifact upload", err)
		}
		b.uploader = up
		machineOpts = append(machineOpts, pipeline.WithArtifactSink(up))
	}

	machine, err := pipeline.NewMachine(launcher, plan.machine, machineOpts...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}

	opts := queue.Options{
		Logger:       logger,
		Bus:          b.bus,
		Recorder:     summary.NewAggregator(summary.NewStore(plan.batch.SummaryPath()), summary.WithLogger(logger)),
		JobEventLog:  plan.batch.Output.JobEventsEnabled(),
		RunID:        b.runID,
		ManifestPath: plan.path,
	}

	if cfg.DataDir != "" {
		b.registry = jobregistry.NewStore(cfg.JobsDir())
		opts.Registry = b.registry
	}

	if cfg.History.Enabled {
		hist, err := history.Open(ctx, history.Config{
			Path:      cfg.HistoryPath(),
			URL:       cfg.History.URL,
			AuthToken: cfg.History.AuthToken,
		})
		if err != nil {
			logger.Warn("Run history disabled", zap.Error(err))
		} else {
			opts.History = hist
			b.closers = append(b.closers, func() { _ = hist.Close() })
		}
	}

	events, closeEvents, err := openEvents(plan.events, b.runID)
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to create event file", err)
	}
	if events != nil {
		opts.Events = events
		b.closers = append(b.closers, closeEvents)
	}

	if cfg.Metrics.Enabled {
		b.metrics = observability.NewMetrics()
	}
	opts.OnPhase = b.onPhase
	opts.OnOutcome = b.onOutcome

	b.queue = queue.New(machine, opts)
	for _, job := range plan.jobs {
		if err := b.queue.Enqueue(job); err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Failed to queue job", err)
		}
	}
	if b.metrics != nil {
		b.metrics.ObserveQueue(len(plan.jobs), false)
	}

	ok = true
	return b, nil
}

// openEvents opens the run-wide JSONL event file. "" disables it; "-" is
// stdout.
func openEvents(path, runID string) (output.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		w := output.NewJSONLWriter(os.Stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open event file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func (b *batchRun) onPhase(ev pipeline.PhaseEvent) {
	if b.metrics == nil {
		return
	}
	b.metrics.ObservePhase(ev)
	b.metrics.ObserveQueue(len(b.queue.Pending()), true)
}

func (b *batchRun) onOutcome(out queue.Outcome) {
	fields := []zap.Field{
		zap.String("job", out.Job.Name),
		zap.String("status", string(out.Status)),
		zap.Duration("duration", out.Duration.Round(time.Second)),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	b.logger.Info("Job finished", fields...)
	if b.metrics != nil {
		b.metrics.ObserveJob(string(out.Status))
		b.metrics.ObserveQueue(len(b.queue.Pending()), false)
	}
}

// serve starts the status API on addr. It is shut down by close.
func (b *batchRun) serve(addr string, cfg *config.Config) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	if p, ok := b.launcher.(interface{ Ping(context.Context) error }); ok {
		hm.RegisterChecker("bridge", handlers.CheckerFunc(p.Ping))
	}
	if b.uploader != nil {
		hm.RegisterChecker("artifacts", handlers.CheckerFunc(b.uploader.Ping))
	}

	opts := []server.Option{
		server.WithLogger(b.logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithAPI(&handlers.API{
			Queue:       b.queue,
			Events:      b.bus,
			SummaryPath: b.plan.batch.SummaryPath(),
			Registry:    b.registry,
		}),
	}
	if b.metrics != nil {
		opts = append(opts, server.WithMetrics(b.metrics.Handler()))
	}
	srv := server.New(host, port, opts...)

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	b.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil {
			b.logger.Error("Status API stopped", zap.Error(err))
		}
	}()

	shutdown := cfg.Server.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	b.closers = append(b.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return nil
}

// run executes the queue with the console progress echo attached.
func (b *batchRun) run(ctx context.Context) (*queue.Report, error) {
	if !runQuiet {
		limiter := rate.NewLimiter(rate.Every(progressEvery), 1)
		unsubscribe := b.queue.Subscribe(func(e progress.Event) {
			if e.Kind == progress.KindPhase && !limiter.Allow() {
				return
			}
			b.logger.Info("Progress",
				zap.String("kind", string(e.Kind)),
				zap.String("job", e.JobName),
				zap.String("phase", e.Phase),
				zap.Int("percent", e.Percent),
				zap.String("message", e.Message))
		})
		defer unsubscribe()
	}
	return b.queue.RunAll(ctx)
}

// uploadSummary copies the summary CSV next to the job artifacts.
func (b *batchRun) uploadSummary(ctx context.Context) {
	a := b.plan.batch.Output.Artifacts
	if b.uploader == nil || a == nil || !a.UploadSummary {
		return
	}
	path := b.plan.batch.SummaryPath()
	key := b.uploader.Key("", path)
	if err := b.uploader.UploadFile(context.WithoutCancel(ctx), key, path); err != nil {
		b.logger.Warn("Summary upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	b.logger.Info("Summary uploaded", zap.String("bucket", b.uploader.Bucket()), zap.String("key", key))
}

func (b *batchRun) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
	b.bus.Close()
}

func printReport(w io.Writer, r *queue.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tSTATUS\tDURATION\tCD\tCL\tRECOVERIES\tERROR")
	for _, o := range r.Outcomes {
		cd, cl, recoveries := "-", "-", 0
		if o.Result != nil {
			cd = formatCoefficient(o.Result.Cd)
			cl = formatCoefficient(o.Result.Cl)
			recoveries = len(o.Result.Recoveries)
		}
		errText := "-"
		if o.Err != nil {
			errText = o.Err.Error()
		} else if o.RecordErr != nil {
			errText = o.RecordErr.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			o.Job.Name, o.Status, o.Duration.Round(time.Second), cd, cl, recoveries, errText)
	}
	for _, j := range r.Stopped {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t0\t-\n", j.Name, pipeline.StatusCancelled)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\nrun %s: %d succeeded, %d partial, %d failed, %d stopped in %s\n",
		r.RunID,
		r.Count(pipeline.StatusSucceeded),
		r.Count(pipeline.StatusPartial),
		r.Count(pipeline.StatusFailed),
		len(r.Stopped),
		r.Ended.Sub(r.Started).Round(time.Second))
}

func formatCoefficient(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// reportError maps a finished run onto the exit code: cancelled runs exit
// like SIGINT, runs with failed jobs exit 1.
func reportError(r *queue.Report) error {
	if r.Cancelled {
		return exitError(foundry.ExitSignalInt, "Batch run cancelled",
			fmt.Errorf("%d jobs not started", len(r.Stopped)))
	}
	if n := r.Count(pipeline.StatusFailed); n > 0 {
		return exitError(exitJobsFailed, "Batch run finished with failed jobs",
			fmt.Errorf("%d of %d jobs failed", n, len(r.Outcomes)))
	}
	return nil
}
