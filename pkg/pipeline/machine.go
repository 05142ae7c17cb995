package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/ramp"
	"github.com/3leaps/aerobatch/pkg/session"
)

// PhaseEvent is emitted when a phase starts, when it finishes, and after
// every ramp stage.
type PhaseEvent struct {
	Job     string
	Phase   Phase
	Percent int
	Message string

	// Done marks the end of a phase; Elapsed and Err are set only then.
	Done    bool
	Elapsed time.Duration
	Err     error

	// Recovery is set on ramp stage events when the guard intervened.
	Recovery *ramp.RecoveryAttempt
}

// Observer receives phase events synchronously on the job goroutine. It
// must not block.
type Observer func(PhaseEvent)

// ArtifactSink receives the files a job produced after export.
type ArtifactSink interface {
	Upload(ctx context.Context, job string, paths []string) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithArtifactSink uploads exported files after each job.
func WithArtifactSink(s ArtifactSink) Option {
	return func(m *Machine) { m.sink = s }
}

// Machine drives jobs through the phase sequence. It holds no per-job state
// and may run jobs one after another.
type Machine struct {
	launcher session.Launcher
	cfg      Config
	logger   *zap.Logger
	sink     ArtifactSink
}

// NewMachine creates a machine. The configuration is validated up front.
func NewMachine(launcher session.Launcher, cfg Config, opts ...Option) (*Machine, error) {
	if launcher == nil {
		return nil, errors.New("pipeline: launcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{launcher: launcher, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Run executes job. A failure before the ramp returns a *FatalPhaseError and
// no result. From the ramp onward Run always returns a result; degraded
// quantities are recorded on JobResult.Errors.
//
// ctx cancellation is honoured between ramp stages only. All sessions opened
// by the job are closed before Run returns.
func (m *Machine) Run(ctx context.Context, job Job, observe Observer) (*JobResult, error) {
	if observe == nil {
		observe = func(PhaseEvent) {}
	}
	r := &run{
		m:       m,
		job:     job,
		call:    context.WithoutCancel(ctx),
		observe: observe,
		logger:  m.logger.With(zap.String("job", job.Name), zap.String("variant", string(job.Variant))),
		result:  &JobResult{Job: job.Name, Variant: job.Variant, Started: time.Now().UTC()},
	}
	defer r.closeSessions()

	if err := job.Validate(); err != nil {
		return nil, r.fail(PhaseImportGeometry, err)
	}
	profile, err := ProfileFor(job.Variant)
	if err != nil {
		return nil, r.fail(PhaseImportGeometry, err)
	}
	r.profile = profile

	steps := []struct {
		phase Phase
		fn    func() error
	}{
		{PhaseImportGeometry, r.importGeometry},
		{PhaseSurfaceMesh, r.surfaceMesh},
		{PhaseVolumeMesh, r.volumeMesh},
		{PhaseSolverLoad, r.solverLoad},
		{PhaseBoundaryConditions, r.boundaryConditions},
	}
	for _, st := range steps {
		if err := r.step(st.phase, st.fn); err != nil {
			return nil, r.fail(st.phase, err)
		}
	}

	_ = r.step(PhaseRampSequence, func() error { return r.rampSequence(ctx) })
	_ = r.step(PhaseExtractResults, r.extractResults)
	_ = r.step(PhaseExport, r.export)

	r.result.Duration = time.Since(r.result.Started)
	r.emit(PhaseEvent{Phase: PhaseSucceeded, Percent: PhaseSucceeded.Percent(), Message: string(r.result.Status())})
	r.logger.Info("Job finished",
		zap.String("status", string(r.result.Status())),
		zap.Int("recoveries", len(r.result.Recoveries)),
		zap.Duration("duration", r.result.Duration))
	return r.result, nil
}

// run holds the state of one job execution.
type run struct {
	m       *Machine
	job     Job
	profile Profile
	call    context.Context
	observe Observer
	logger  *zap.Logger
	result  *JobResult

	meshing       session.MeshingSession
	solver        session.SolverSession
	volumeQuality session.QualityMetrics
}

func (r *run) emit(ev PhaseEvent) {
	ev.Job = r.job.Name
	r.observe(ev)
}

// step runs one phase between start and done events.
func (r *run) step(p Phase, fn func() error) error {
	start := time.Now()
	r.emit(PhaseEvent{Phase: p, Percent: p.Percent(), Message: "started"})
	r.logger.Info("Phase started", zap.String("phase", p.String()), zap.Int("percent", p.Percent()))

	err := fn()
	elapsed := time.Since(start)

	percent := p.Percent()
	if p == PhaseRampSequence {
		percent = rampEndPercent
	}
	r.emit(PhaseEvent{Phase: p, Percent: percent, Message: "finished", Done: true, Elapsed: elapsed, Err: err})

	if err != nil {
		r.logger.Warn("Phase finished with errors",
			zap.String("phase", p.String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		r.logger.Info("Phase finished", zap.String("phase", p.String()), zap.Duration("elapsed", elapsed))
	}
	return err
}

func (r *run) fail(p Phase, err error) error {
	ferr := &FatalPhaseError{Job: r.job.Name, Phase: p, Err: err}
	r.emit(PhaseEvent{Phase: PhaseFailed, Percent: PhaseFailed.Percent(), Message: ferr.Error(), Err: ferr})
	r.logger.Error("Job failed", zap.String("phase", p.String()), zap.Error(err))
	return ferr
}

func (r *run) closeSessions() {
	if r.meshing != nil {
		if err := r.meshing.Close(r.call); err != nil {
			r.logger.Warn("Failed to close meshing session", zap.Error(err))
		}
		r.meshing = nil
	}
	if r.solver != nil {
		if err := r.solver.Close(r.call); err != nil {
			r.logger.Warn("Failed to close solver session", zap.Error(err))
		}
		r.solver = nil
	}
}

func (r *run) meshPath() string {
	return filepath.Join(r.job.OutputDir, MeshFileName)
}

func (r *run) caseBase() string {
	return filepath.Join(r.job.OutputDir, CaseBaseName)
}

// importGeometry creates the output directory only once the geometry has
// loaded, so a bad geometry leaves nothing behind.
func (r *run) importGeometry() error {
	ms, err := session.LaunchMeshing(r.call, r.m.launcher, r.m.cfg.Launch, r.m.cfg.LaunchTimeout)
	if err != nil {
		return fmt.Errorf("launch meshing session: %w", err)
	}
	r.meshing = ms
	if err := ms.ImportGeometry(r.call, r.job.GeometryPath, r.m.cfg.Meshing.LengthUnit); err != nil {
		return err
	}
	// #nosec G301 -- job output directories are shared with post-processing tools
	if err := os.MkdirAll(r.job.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

func (r *run) surfaceMesh() error {
	for _, ctl := range r.profile.SizingControls(r.job.Dimensions) {
		if err := r.meshing.ConfigureSizing(r.call, ctl); err != nil {
			return fmt.Errorf("sizing control %s: %w", ctl.Name, err)
		}
	}
	if _, err := r.meshing.GenerateSurfaceMesh(r.call, r.m.cfg.Meshing.Surface); err != nil {
		return fmt.Errorf("generate surface mesh: %w", err)
	}
	return nil
}

func (r *run) volumeMesh() error {
	bl := r.m.cfg.Meshing.BoundaryLayers
	bl.Zones = r.profile.Zones.BoundaryLayer
	if err := r.meshing.AddBoundaryLayers(r.call, bl); err != nil {
		return fmt.Errorf("add boundary layers: %w", err)
	}
	q, err := r.meshing.GenerateVolumeMesh(r.call, r.m.cfg.Meshing.Volume)
	if err != nil {
		return fmt.Errorf("generate volume mesh: %w", err)
	}
	r.volumeQuality = q

	path := r.meshPath()
	if err := r.meshing.SaveMesh(r.call, path); err != nil {
		return fmt.Errorf("save mesh: %w", err)
	}
	r.result.MeshPath = path

	// One engine process at a time: release the mesher before the solver starts.
	if err := r.meshing.Close(r.call); err != nil {
		r.logger.Warn("Failed to close meshing session", zap.Error(err))
	}
	r.meshing = nil
	return nil
}

func (r *run) solverLoad() error {
	s, err := session.LaunchSolver(r.call, r.m.launcher, r.m.cfg.Launch, r.m.cfg.LaunchTimeout)
	if err != nil {
		return fmt.Errorf("launch solver session: %w", err)
	}
	r.solver = s
	if err := s.LoadMesh(r.call, r.meshPath()); err != nil {
		return fmt.Errorf("load mesh: %w", err)
	}
	return nil
}

func (r *run) boundaryConditions() error {
	for _, bc := range r.profile.BoundaryConditions(r.m.cfg.Physics) {
		if err := r.solver.SetBoundaryCondition(r.call, bc); err != nil {
			return fmt.Errorf("boundary condition %s (%s): %w", bc.Zone, bc.Kind, err)
		}
	}
	if err := r.solver.SetTurbulenceCurvatureCorrection(r.call, false); err != nil {
		return fmt.Errorf("disable curvature correction: %w", err)
	}
	return nil
}

func (r *run) rampSequence(ctx context.Context) error {
	stages := r.m.cfg.Stages
	guard := ramp.NewGuard(r.m.cfg.Guard, r.logger)
	span := rampEndPercent - PhaseRampSequence.Percent()

	sched := ramp.NewScheduler(guard,
		ramp.WithLogger(r.logger),
		ramp.WithStageHook(func(rep ramp.StageReport) {
			percent := PhaseRampSequence.Percent() + span*(rep.Index+1)/rep.Total
			msg := fmt.Sprintf("stage %d/%d complete", rep.Index+1, rep.Total)
			if rep.Stage.Name != "" {
				msg = fmt.Sprintf("stage %d/%d (%s) complete", rep.Index+1, rep.Total, rep.Stage.Name)
			}
			r.emit(PhaseEvent{Phase: PhaseRampSequence, Percent: percent, Message: msg, Recovery: rep.Recovery})
		}))

	out, err := sched.RunStages(ctx, r.solver, stages)
	if out != nil {
		r.result.Samples = out.Samples
		r.result.Recoveries = out.Recoveries
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.result.RampCancelled = true
			r.logger.Info("Ramp stopped early by cancellation", zap.Int("completed_stages", out.Completed))
			return nil
		}
		return err
	}
	return nil
}

func (r *run) export() error {
	base := r.caseBase()
	if err := r.solver.WriteCaseAndData(r.call, base); err != nil {
		exportErr := &ExportError{Op: "write_case_data", Path: base, Err: err}
		r.result.AddError(exportErr)
		return exportErr
	}
	r.result.CasePath = base + CaseFileSuffix

	if r.m.sink == nil {
		return nil
	}
	paths := []string{base + CaseFileSuffix, base + DataFileSuffix, r.meshPath()}
	if err := r.m.sink.Upload(r.call, r.job.Name, paths); err != nil {
		exportErr := &ExportError{Op: "upload_artifacts", Err: err}
		r.result.AddError(exportErr)
		return exportErr
	}
	return nil
}
