package jobregistry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	cd := 0.41
	rec := &JobRecord{
		JobID:        "job-1",
		Name:         "frontwing_20260119_120000",
		RunID:        "run-1",
		State:        JobStatePartial,
		ManifestPath: "/tmp/batch.yaml",
		Variant:      "front-wing",
		CreatedAt:    now,
		StartedAt:    &now,
		Results:      &Quantities{Cd: &cd},
		Warnings:     []string{"extract projected_area: not reported by engine"},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != rec.Name {
		t.Fatalf("name mismatch: got=%q want=%q", got.Name, rec.Name)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if got.Results == nil || got.Results.Cd == nil || *got.Results.Cd != cd {
		t.Fatalf("results not persisted")
	}
	if len(got.Warnings) != 1 {
		t.Fatalf("warnings not persisted: %v", got.Warnings)
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&JobRecord{JobID: "job-1", Name: "a", State: JobStateSuccess, CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write job-1: %v", err)
	}
	if err := s.Write(&JobRecord{JobID: "job-2", Name: "b", State: JobStateRunning, CreatedAt: t2, StartedAt: &t2}); err != nil {
		t.Fatalf("Write job-2: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].JobID != "job-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].JobID)
	}
}

func TestStore_UpdateAndFind(t *testing.T) {
	s := NewStore(t.TempDir())
	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if err := s.Write(&JobRecord{JobID: "old", Name: "car", RunID: "r1", State: JobStateFailed, CreatedAt: t1}); err != nil {
		t.Fatalf("Write old: %v", err)
	}
	if err := s.Write(&JobRecord{JobID: "new", Name: "car", RunID: "r2", State: JobStateQueued, CreatedAt: t2}); err != nil {
		t.Fatalf("Write new: %v", err)
	}

	got, err := s.Update("new", func(r *JobRecord) {
		r.State = JobStateRunning
		r.Phase = "surface_mesh"
		r.Percent = 15
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got.State != JobStateRunning {
		t.Fatalf("state not updated: %q", got.State)
	}

	found, err := s.FindByName("car")
	if err != nil {
		t.Fatalf("FindByName() error: %v", err)
	}
	if found.JobID != "new" || found.Phase != "surface_mesh" {
		t.Fatalf("expected newest record, got %+v", found)
	}

	if _, err := s.FindByName("missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	run, err := s.ListRun("r1")
	if err != nil {
		t.Fatalf("ListRun() error: %v", err)
	}
	if len(run) != 1 || run[0].JobID != "old" {
		t.Fatalf("unexpected run listing: %+v", run)
	}
}

func TestStore_MarkInterrupted(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	records := []JobRecord{
		{JobID: "a", Name: "a", RunID: "prev", State: JobStateRunning, CreatedAt: now},
		{JobID: "b", Name: "b", RunID: "prev", State: JobStateSuccess, CreatedAt: now},
		{JobID: "c", Name: "c", RunID: "cur", State: JobStateRunning, CreatedAt: now},
	}
	for i := range records {
		if err := s.Write(&records[i]); err != nil {
			t.Fatalf("Write %s: %v", records[i].JobID, err)
		}
	}

	n, err := s.MarkInterrupted("cur")
	if err != nil {
		t.Fatalf("MarkInterrupted() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interrupted job, got %d", n)
	}

	a, _ := s.Get("a")
	if a.State != JobStateUnknown || a.EndedAt == nil {
		t.Fatalf("stale running job not marked: %+v", a)
	}
	c, _ := s.Get("c")
	if c.State != JobStateRunning {
		t.Fatalf("current run job changed: %q", c.State)
	}
}

func TestJobState_Terminal(t *testing.T) {
	for _, st := range []JobState{JobStateStopped, JobStateSuccess, JobStatePartial, JobStateFailed} {
		if !st.Terminal() {
			t.Fatalf("%s should be terminal", st)
		}
	}
	if JobStateRunning.Terminal() || JobStateQueued.Terminal() {
		t.Fatalf("running/queued are not terminal")
	}
}

func TestStore_MissingAndEmptyRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "not-yet"))
	recs, err := s.List()
	if err != nil || len(recs) != 0 {
		t.Fatalf("missing root should list empty, got %v, %v", recs, err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	empty := NewStore("  ")
	if err := empty.Write(&JobRecord{JobID: "x"}); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
	if _, err := empty.List(); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot from List, got %v", err)
	}
}

func TestStore_IDsStayUnderRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "jobs")
	s := NewStore(root)

	// A record one level above the root must not be reachable by ID.
	if err := os.WriteFile(filepath.Join(parent, recordFile), []byte(`{"job_id":"outside","name":"outside"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"..", ".", "../jobs", "a/b", `a\b`} {
		if _, err := s.Get(id); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Get(%q): expected not-exist, got %v", id, err)
		}
		if err := s.Write(&JobRecord{JobID: id, Name: "car"}); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("Write(%q): expected ErrInvalidJobID, got %v", id, err)
		}
	}
	if _, err := os.Stat(root); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rejected writes created the root: %v", err)
	}
}
