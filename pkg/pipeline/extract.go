package pipeline

import (
	"errors"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// ErrNotReported marks a quantity the engine answered without.
var ErrNotReported = errors.New("not reported by engine")

// Extraction field names used in PartialExtractionError.
const (
	FieldForces        = "force_coefficients"
	FieldProjectedArea = "projected_area"
	FieldYPlus         = "yplus"
	FieldMeshQuality   = "mesh_quality"
	FieldOrthogonality = "orthogonality"
	FieldSkewness      = "skewness"
)

// extractResults reads every post-processing quantity independently. A
// failed query nulls only its own fields.
func (r *run) extractResults() error {
	var errs *multierror.Error
	partial := func(field string, err error) {
		perr := &PartialExtractionError{Field: field, Err: err}
		r.result.AddError(perr)
		errs = multierror.Append(errs, perr)
	}

	s := r.solver
	z := r.profile.Zones
	res := r.result

	if f, err := s.ForceCoefficients(r.call, z.Aero); err != nil {
		partial(FieldForces, err)
	} else {
		cd, cl := f.Drag, f.Lift
		res.Cd, res.Cl = &cd, &cl
	}

	ext := r.m.cfg.Extraction
	if area, err := s.ProjectedArea(r.call, z.Aero, ext.Direction, ext.MinFeatureSize); err != nil {
		partial(FieldProjectedArea, err)
	} else {
		if r.profile.HalfBody {
			area *= 2
		}
		res.ProjectedArea = &area
	}

	if res.Cd != nil && res.ProjectedArea != nil {
		scx := *res.Cd * *res.ProjectedArea
		scz := *res.Cl * *res.ProjectedArea
		res.SCx, res.SCz = &scx, &scz
	}

	if yp, err := s.YPlus(r.call, z.BoundaryLayer); err != nil {
		partial(FieldYPlus, err)
	} else {
		res.YPlus = statsField(&yp)
	}

	q, err := s.MeshQuality(r.call)
	if err != nil || q.Empty() {
		if !r.volumeQuality.Empty() {
			r.logger.Info("Using volume mesh quality report", zap.NamedError("solver_error", err))
			q, err = r.volumeQuality, nil
		}
	}
	if err != nil {
		partial(FieldMeshQuality, err)
	} else {
		if q.Orthogonality == nil {
			partial(FieldOrthogonality, ErrNotReported)
		}
		if q.Skewness == nil {
			partial(FieldSkewness, ErrNotReported)
		}
		res.Orthogonality = statsField(q.Orthogonality)
		res.Skewness = statsField(q.Skewness)
	}

	return errs.ErrorOrNil()
}
