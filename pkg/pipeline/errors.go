package pipeline

import "fmt"

// FatalPhaseError aborts a job. It is raised only by phases up to and
// including boundary conditions.
type FatalPhaseError struct {
	Job   string
	Phase Phase
	Err   error
}

func (e *FatalPhaseError) Error() string {
	return fmt.Sprintf("job %s: %s failed: %v", e.Job, e.Phase, e.Err)
}

func (e *FatalPhaseError) Unwrap() error {
	return e.Err
}

// PartialExtractionError reports a post-processing quantity that could not
// be read. The corresponding result fields stay nil.
type PartialExtractionError struct {
	Field string
	Err   error
}

func (e *PartialExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Field, e.Err)
}

func (e *PartialExtractionError) Unwrap() error {
	return e.Err
}

// ExportError reports a failed write of job artifacts or the summary row.
type ExportError struct {
	Op   string
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("export %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
