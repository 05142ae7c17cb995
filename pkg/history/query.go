package history

import (
	"context"
	"database/sql"
	"fmt"
)

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT run_id, manifest_path, jobs, started_at, ended_at, succeeded, partial, failed, stopped
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			manifest sql.NullString
			started  string
			ended    sql.NullString
		)
		if err := rows.Scan(&r.RunID, &manifest, &r.Jobs, &started, &ended, &r.Succeeded, &r.Partial, &r.Failed, &r.Stopped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.ManifestPath = manifest.String
		r.StartedAt = parseTS(started)
		if ended.Valid {
			t := parseTS(ended.String)
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Jobs returns the job rows of a run in completion order.
func (s *Store) Jobs(ctx context.Context, runID string) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job, variant, status, failed_phase, error, cd, cl, projected_area, final_continuity, recoveries, duration_ms, ended_at
		FROM jobs WHERE run_id = ? ORDER BY ended_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		var (
			j                        JobRow
			variant, phase, errText  sql.NullString
			cd, cl, area, continuity sql.NullFloat64
			durationMS               int64
			ended                    string
		)
		if err := rows.Scan(&j.RunID, &j.Job, &variant, &j.Status, &phase, &errText, &cd, &cl, &area, &continuity, &j.Recoveries, &durationMS, &ended); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Variant, j.FailedPhase, j.Error = variant.String, phase.String, errText.String
		j.Cd, j.Cl, j.ProjectedArea, j.FinalContinuity = floatPtr(cd), floatPtr(cl), floatPtr(area), floatPtr(continuity)
		j.Duration = msDuration(durationMS)
		j.EndedAt = parseTS(ended)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Phases returns the phase timings recorded for a job name across runs,
// oldest first.
func (s *Store) Phases(ctx context.Context, job string) ([]PhaseRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job, phase, elapsed_ms, error, ended_at FROM phases WHERE job = ? ORDER BY id
	`, job)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PhaseRow
	for rows.Next() {
		var (
			p         PhaseRow
			elapsedMS int64
			errText   sql.NullString
			ended     string
		)
		if err := rows.Scan(&p.RunID, &p.Job, &p.Phase, &elapsedMS, &errText, &ended); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.Elapsed = msDuration(elapsedMS)
		p.Error = errText.String
		p.EndedAt = parseTS(ended)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Recoveries returns the recovery attempts recorded for a job name, oldest
// first.
func (s *Store) Recoveries(ctx context.Context, job string) ([]RecoveryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job, stage, stage_name, iterations, continuity_before, continuity_after, cleared, error, noted_at
		FROM recoveries WHERE job = ? ORDER BY id
	`, job)
	if err != nil {
		return nil, fmt.Errorf("query recoveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RecoveryRow
	for rows.Next() {
		var (
			r             RecoveryRow
			stageName     sql.NullString
			before, after sql.NullFloat64
			cleared       int
			errText       sql.NullString
			noted         string
		)
		if err := rows.Scan(&r.RunID, &r.Job, &r.Stage, &stageName, &r.Iterations, &before, &after, &cleared, &errText, &noted); err != nil {
			return nil, fmt.Errorf("scan recovery: %w", err)
		}
		r.StageName = stageName.String
		r.ContinuityBefore, r.ContinuityAfter = floatPtr(before), floatPtr(after)
		r.Cleared = cleared != 0
		r.Error = errText.String
		r.NotedAt = parseTS(noted)
		out = append(out, r)
	}
	return out, rows.Err()
}
