package pipeline

import "fmt"

// Phase is a step of the per-job state machine. Phases advance strictly in
// declaration order; Succeeded and Failed are terminal.
type Phase int

const (
	PhaseImportGeometry Phase = iota
	PhaseSurfaceMesh
	PhaseVolumeMesh
	PhaseSolverLoad
	PhaseBoundaryConditions
	PhaseRampSequence
	PhaseExtractResults
	PhaseExport
	PhaseSucceeded
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseImportGeometry:     "import_geometry",
	PhaseSurfaceMesh:        "surface_mesh",
	PhaseVolumeMesh:         "volume_mesh",
	PhaseSolverLoad:         "solver_load",
	PhaseBoundaryConditions: "boundary_conditions",
	PhaseRampSequence:       "ramp_sequence",
	PhaseExtractResults:     "extract_results",
	PhaseExport:             "export",
	PhaseSucceeded:          "succeeded",
	PhaseFailed:             "failed",
}

// Progress percentages reported when each phase starts.
var phasePercent = map[Phase]int{
	PhaseImportGeometry:     5,
	PhaseSurfaceMesh:        15,
	PhaseVolumeMesh:         30,
	PhaseSolverLoad:         40,
	PhaseBoundaryConditions: 45,
	PhaseRampSequence:       50,
	PhaseExtractResults:     90,
	PhaseExport:             95,
	PhaseSucceeded:          100,
	PhaseFailed:             100,
}

// rampEndPercent is reported after the final ramp stage.
const rampEndPercent = 85

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	got, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = got
	return nil
}

// ParsePhase resolves a phase name.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Percent is the progress reported when the phase begins.
func (p Phase) Percent() int {
	return phasePercent[p]
}

// Terminal reports whether p ends the machine.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Fatal reports whether an error raised in p aborts the job. Failures up to
// and including boundary conditions are fatal; later phases degrade to a
// partial result.
func (p Phase) Fatal() bool {
	return p <= PhaseBoundaryConditions
}

// Phases returns the eight working phases in order.
func Phases() []Phase {
	return []Phase{
		PhaseImportGeometry,
		PhaseSurfaceMesh,
		PhaseVolumeMesh,
		PhaseSolverLoad,
		PhaseBoundaryConditions,
		PhaseRampSequence,
		PhaseExtractResults,
		PhaseExport,
	}
}
