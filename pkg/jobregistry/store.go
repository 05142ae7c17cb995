package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const recordFile = "job.json"

// ErrNoRoot is returned when the store has no root directory configured.
var ErrNoRoot = errors.New("job registry root dir is empty")

// ErrInvalidJobID is returned for IDs that are not a single path element.
var ErrInvalidJobID = errors.New("invalid job_id")

// validID reports whether id names a directory directly under the root.
func validID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// Store keeps one JobRecord per job under a root directory:
//
//	<root>/<job_id>/job.json
//
// Records are replaced atomically, so readers in other processes (jobs
// status, the HTTP API) never observe a partial file. Writers within one
// process are serialized.
type Store struct {
	root string
	mu   sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), recordFile)
}

// Write stores record, replacing any previous version.
func (s *Store) Write(record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(record)
}

func (s *Store) write(record *JobRecord) error {
	if record == nil {
		return errors.New("job record is nil")
	}
	id := strings.TrimSpace(record.JobID)
	if id == "" {
		return errors.New("job_id is required")
	}
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	if s.root == "" {
		return ErrNoRoot
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", id, err)
	}
	return replaceFile(s.JobDir(id), recordFile, append(payload, '\n'))
}

// replaceFile writes data to dir/name through a synced temp file and a rename.
func replaceFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

// Get loads the record of jobID. A missing record satisfies
// errors.Is(err, fs.ErrNotExist), and so does an ID that could only
// resolve outside the root.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job_id is required")
	}
	if !validID(jobID) {
		return nil, fmt.Errorf("job %q: %w", jobID, fs.ErrNotExist)
	}
	raw, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("job %s: empty record", jobID)
	}
	var rec JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("job %s: decode record: %w", jobID, err)
	}
	return &rec, nil
}

// List returns every readable record, most recently started first. A store
// whose root does not exist yet is empty.
func (s *Store) List() ([]JobRecord, error) {
	return s.scan(nil)
}

// ListRun returns the records of one batch run, most recently started first.
func (s *Store) ListRun(runID string) ([]JobRecord, error) {
	return s.scan(func(r *JobRecord) bool { return r.RunID == runID })
}

// FindByName returns the newest record for a job name. Job names repeat
// across runs; IDs do not.
func (s *Store) FindByName(name string) (*JobRecord, error) {
	recs, err := s.scan(func(r *JobRecord) bool { return r.Name == name })
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("job %q: %w", name, fs.ErrNotExist)
	}
	return &recs[0], nil
}

// scan reads every record directory under root. Unreadable records are
// skipped; a job directory can exist briefly before its first write.
func (s *Store) scan(keep func(*JobRecord) bool) ([]JobRecord, error) {
	if s.root == "" {
		return nil, ErrNoRoot
	}
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job registry: %w", err)
	}

	recs := make([]JobRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		if keep == nil || keep(rec) {
			recs = append(recs, *rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].sortTime().After(recs[j].sortTime())
	})
	return recs, nil
}

func (r *JobRecord) sortTime() time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// Update applies fn to the stored record and writes it back.
func (s *Store) Update(jobID string, fn func(*JobRecord)) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	fn(rec)
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkInterrupted moves records of other runs that still claim to be queued
// or running to unknown. The process that owned them exited without a
// terminal update.
func (s *Store) MarkInterrupted(currentRunID string) (int, error) {
	stale, err := s.scan(func(r *JobRecord) bool {
		return r.RunID != currentRunID && !r.State.Terminal() && r.State != JobStateUnknown
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range stale {
		stale[i].State = JobStateUnknown
		stale[i].EndedAt = &now
		if err := s.write(&stale[i]); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}
