// Package pipeline runs one vehicle geometry through the full CFD workflow:
// import, surface and volume meshing, solver load, boundary conditions, the
// ramp sequence, result extraction and export.
//
// Failures before the ramp abort the job with a *FatalPhaseError. From the
// ramp onward the job always produces a JobResult; missing quantities are
// left nil and the underlying errors are collected on JobResult.Errors.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Variant selects the vehicle configuration and with it the zone map,
// sizing controls and boundary conditions.
type Variant string

const (
	VariantFrontWing Variant = "front-wing"
	VariantRearWing  Variant = "rear-wing"
	VariantUndertray Variant = "undertray"
	VariantHalfCar   Variant = "half-car"
	VariantFullCar   Variant = "full-car"
)

// Variants returns every supported variant.
func Variants() []Variant {
	return []Variant{VariantFrontWing, VariantRearWing, VariantUndertray, VariantHalfCar, VariantFullCar}
}

// Valid reports whether v is a supported variant.
func (v Variant) Valid() bool {
	for _, k := range Variants() {
		if v == k {
			return true
		}
	}
	return false
}

// Status is the externally visible state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Dimensions are the bounding dimensions of the geometry in metres.
type Dimensions struct {
	Length float64 `json:"length" yaml:"length"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Job is one geometry to process.
type Job struct {
	Name         string     `json:"name"`
	GeometryPath string     `json:"geometry_path"`
	Variant      Variant    `json:"variant"`
	Dimensions   Dimensions `json:"dimensions"`
	OutputDir    string     `json:"output_dir"`
}

// ErrInvalidJob is wrapped by job validation errors.
var ErrInvalidJob = errors.New("invalid job")

// Validate checks the fields the machine depends on.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if strings.ContainsAny(j.Name, `/\`) {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrInvalidJob, j.Name)
	}
	if strings.TrimSpace(j.GeometryPath) == "" {
		return fmt.Errorf("%w: %s: geometry path is required", ErrInvalidJob, j.Name)
	}
	if strings.TrimSpace(j.OutputDir) == "" {
		return fmt.Errorf("%w: %s: output dir is required", ErrInvalidJob, j.Name)
	}
	if !j.Variant.Valid() {
		return fmt.Errorf("%w: %s: unsupported variant %q", ErrInvalidJob, j.Name, j.Variant)
	}
	d := j.Dimensions
	if d.Length <= 0 || d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: %s: dimensions must be positive", ErrInvalidJob, j.Name)
	}
	return nil
}
