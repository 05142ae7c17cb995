// Package history records batch runs in a SQLite (or libsql) database: one
// row per run and job, plus the phase timings and divergence recoveries of
// every job. The summary CSV stays the primary result record; history is for
// operators asking what happened and how long it took.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaVersion = 1

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens the database and ensures its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO history_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			manifest_path TEXT,
			jobs INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			succeeded INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			stopped INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			run_id TEXT NOT NULL,
			job TEXT NOT NULL,
			variant TEXT,
			status TEXT NOT NULL,
			failed_phase TEXT,
			error TEXT,
			cd REAL,
			cl REAL,
			projected_area REAL,
			final_continuity REAL,
			recoveries INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL,
			ended_at TEXT NOT NULL,
			PRIMARY KEY (run_id, job)
		);`,
		`CREATE TABLE IF NOT EXISTS phases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job TEXT NOT NULL,
			phase TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			error TEXT,
			ended_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_phases_job ON phases(job);`,
		`CREATE TABLE IF NOT EXISTS recoveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job TEXT NOT NULL,
			stage INTEGER NOT NULL,
			stage_name TEXT,
			iterations INTEGER NOT NULL,
			continuity_before REAL,
			continuity_after REAL,
			cleared INTEGER NOT NULL,
			error TEXT,
			noted_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recoveries_job ON recoveries(job);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Run is one batch invocation.
type Run struct {
	RunID        string
	ManifestPath string
	Jobs         int
	StartedAt    time.Time
	EndedAt      *time.Time
	Succeeded    int
	Partial      int
	Failed       int
	Stopped      int
}

// JobRow is the outcome of one job in a run.
type JobRow struct {
	RunID           string
	Job             string
	Variant         string
	Status          string
	FailedPhase     string
	Error           string
	Cd              *float64
	Cl              *float64
	ProjectedArea   *float64
	FinalContinuity *float64
	Recoveries      int
	Duration        time.Duration
	EndedAt         time.Time
}

// PhaseRow is the timing of one finished phase.
type PhaseRow struct {
	RunID   string
	Job     string
	Phase   string
	Elapsed time.Duration
	Error   string
	EndedAt time.Time
}

// RecoveryRow is one divergence recovery attempt.
type RecoveryRow struct {
	RunID            string
	Job              string
	Stage            int
	StageName        string
	Iterations       int
	ContinuityBefore *float64
	ContinuityAfter  *float64
	Cleared          bool
	Error            string
	NotedAt          time.Time
}

func ts(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// StartRun inserts the run row.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	if r.RunID == "" {
		return errors.New("run_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, manifest_path, jobs, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET jobs=excluded.jobs
	`, r.RunID, nullString(r.ManifestPath), r.Jobs, ts(r.StartedAt))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the run totals.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	end := time.Now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, succeeded = ?, partial = ?, failed = ?, stopped = ?
		WHERE run_id = ?
	`, ts(end), r.Succeeded, r.Partial, r.Failed, r.Stopped, r.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", r.RunID, sql.ErrNoRows)
	}
	return nil
}

// RecordJob upserts a job outcome.
func (s *Store) RecordJob(ctx context.Context, j JobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			run_id, job, variant, status, failed_phase, error, cd, cl, projected_area, final_continuity, recoveries, duration_ms, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, job) DO UPDATE SET
			variant=excluded.variant,
			status=excluded.status,
			failed_phase=excluded.failed_phase,
			error=excluded.error,
			cd=excluded.cd,
			cl=excluded.cl,
			projected_area=excluded.projected_area,
			final_continuity=excluded.final_continuity,
			recoveries=excluded.recoveries,
			duration_ms=excluded.duration_ms,
			ended_at=excluded.ended_at
	`,
		j.RunID, j.Job, nullString(j.Variant), j.Status, nullString(j.FailedPhase), nullString(j.Error),
		nullFloat(j.Cd), nullFloat(j.Cl), nullFloat(j.ProjectedArea), nullFloat(j.FinalContinuity),
		j.Recoveries, j.Duration.Milliseconds(), ts(j.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// RecordPhase appends a phase timing.
func (s *Store) RecordPhase(ctx context.Context, p PhaseRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phases (run_id, job, phase, elapsed_ms, error, ended_at) VALUES (?, ?, ?, ?, ?, ?)
	`, p.RunID, p.Job, p.Phase, p.Elapsed.Milliseconds(), nullString(p.Error), ts(p.EndedAt))
	if err != nil {
		return fmt.Errorf("record phase: %w", err)
	}
	return nil
}

// RecordRecovery appends a recovery attempt.
func (s *Store) RecordRecovery(ctx context.Context, r RecoveryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recoveries (
			run_id, job, stage, stage_name, iterations, continuity_before, continuity_after, cleared, error, noted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RunID, r.Job, r.Stage, nullString(r.StageName), r.Iterations,
		nullFloat(r.ContinuityBefore), nullFloat(r.ContinuityAfter), boolInt(r.Cleared), nullString(r.Error), ts(r.NotedAt),
	)
	if err != nil {
		return fmt.Errorf("record recovery: %w", err)
	}
	return nil
}
