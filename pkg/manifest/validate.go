package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/aerobatch/internal/assets/schemas"
	"github.com/3leaps/aerobatch/pkg/ramp"
)

// SchemaID is the schema identifier for batch manifests.
const SchemaID = "aerobatch/v1.0.0/batch-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the embedded batch-manifest schema is
	// missing or empty.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema or semantic
	// validation. ValidationErrors unwraps to it.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator, compiled once from the embedded schema.
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one problem found in a manifest.
type ValidationError struct {
	// Path is the JSON pointer to the offending field
	// (e.g., "/ramp/stages/0/iterations").
	Path string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every problem of a manifest. It unwraps to
// ErrValidationFailed.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a manifest built in code: the schema pass (without the
// unknown-field check, which needs the raw input) followed by CheckSemantics.
func Validate(b *Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	if errs := CheckSemantics(b); len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRaw checks raw JSON against the embedded schema, including
// additionalProperties. Warnings are dropped.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// CheckSemantics reports the rules a JSON schema cannot express: unique job
// names, the ramp ordering rules, a usable launch timeout, and output paths
// that do not collide.
func CheckSemantics(b *Batch) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	seen := make(map[string]int, len(b.Jobs))
	for i, j := range b.Jobs {
		path := fmt.Sprintf("/jobs/%d/name", i)
		if strings.ContainsAny(j.Name, `/\`) {
			add(path, "name %q must not contain path separators", j.Name)
		}
		if first, dup := seen[j.Name]; dup {
			add(path, "duplicate job name %q (first at /jobs/%d)", j.Name, first)
			continue
		}
		seen[j.Name] = i
	}

	if s := b.Session.LaunchTimeout; s != "" {
		if d, err := time.ParseDuration(s); err != nil {
			add("/session/launch_timeout", "invalid duration %q", s)
		} else if d <= 0 {
			add("/session/launch_timeout", "must be positive")
		}
	}

	if len(b.Ramp.Stages) > 0 {
		var se *ramp.StageError
		if err := ramp.ValidateStages(b.Stages()); errors.As(err, &se) {
			add(fmt.Sprintf("/ramp/stages/%d", se.Index), "%s", se.Message)
		} else if err != nil {
			add("/ramp/stages", "%v", err)
		}
	}

	if b.Output.Events != "" && b.Output.Events != "-" && b.Output.Summary != "" &&
		filepath.Clean(b.Output.Events) == filepath.Clean(b.Output.Summary) {
		add("/output/events", "must differ from output.summary")
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.BatchManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded batch-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.BatchManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
