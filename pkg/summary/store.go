package summary

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store appends rows to a CSV file.
//
// Each Append is one write(2) of the complete encoded row on an O_APPEND
// descriptor followed by fsync. The header goes out in the same write as the
// first row. A failed append truncates the file back to its previous size,
// and a torn tail left by a crash is cut back to the last newline before the
// next append.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for path. The file is created on first append.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the summary file path.
func (s *Store) Path() string {
	return s.path
}

// Append writes one row.
func (s *Store) Append(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open summary: %w", err)
	}
	defer func() { _ = f.Close() }()

	size, err := repairTail(f)
	if err != nil {
		return fmt.Errorf("repair summary tail: %w", err)
	}

	records := [][]string{row.Record()}
	if size == 0 {
		records = append([][]string{Header}, records...)
	}
	payload, err := encode(records...)
	if err != nil {
		return fmt.Errorf("encode summary row: %w", err)
	}

	n, err := f.Write(payload)
	if err == nil && n != len(payload) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr != nil {
			return fmt.Errorf("append summary row: %w (truncate: %v)", err, terr)
		}
		return fmt.Errorf("append summary row: %w", err)
	}
	return nil
}

// repairTail truncates f to its last newline and returns the resulting size.
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return size, nil
	}

	keep, err := lastNewline(f, size)
	if err != nil {
		return 0, err
	}
	if err := f.Truncate(keep); err != nil {
		return 0, err
	}
	return keep, nil
}

// lastNewline returns the offset just past the last '\n' in the first size
// bytes of f, or 0 when there is none.
func lastNewline(f *os.File, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Read parses the summary at path. A torn final line is ignored.
func Read(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		data = nil
	}
	if len(data) == 0 {
		return []Row{}, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	if len(records) == 0 || !equal(records[0], Header) {
		return nil, ErrBadHeader
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("summary row %d: %w", i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
