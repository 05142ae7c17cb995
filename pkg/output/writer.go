package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Writer emits the machine-readable event stream of a batch run, one JSON
// envelope per line. Implementations are safe for concurrent use.
type Writer interface {
	WriteProgress(ctx context.Context, job string, prog *ProgressRecord) error
	WriteJob(ctx context.Context, job string, rec *JobRecord) error
	WriteRecovery(ctx context.Context, job string, rec *RecoveryRecord) error
	WriteError(ctx context.Context, job string, rec *ErrorRecord) error

	// Close stops further writes. It does not close the destination.
	Close() error
}

// JSONLWriter stamps records with the run ID and writes them to an
// io.Writer. Each record is encoded fully before the lock is taken and
// written with one locked call, so concurrent records never interleave.
type JSONLWriter struct {
	dst   io.Writer
	runID string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter returns a writer for the run runID.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{dst: w, runID: runID, now: time.Now}
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, job string, prog *ProgressRecord) error {
	return jw.emit(ctx, TypeProgress, job, prog)
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job string, rec *JobRecord) error {
	return jw.emit(ctx, TypeJob, job, rec)
}

func (jw *JSONLWriter) WriteRecovery(ctx context.Context, job string, rec *RecoveryRecord) error {
	return jw.emit(ctx, TypeRecovery, job, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, job string, rec *ErrorRecord) error {
	return jw.emit(ctx, TypeError, job, rec)
}

// Close makes later writes fail with ErrWriterClosed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, recordType, job string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := jw.encode(recordType, job, payload)
	if err != nil {
		return err
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if err := writeFull(jw.dst, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func (jw *JSONLWriter) encode(recordType, job string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &WriteError{Op: "marshal_data", Err: err}
	}
	line, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		RunID: jw.runID,
		Job:   job,
		Data:  data,
	})
	if err != nil {
		return nil, &WriteError{Op: "marshal_record", Err: err}
	}
	return append(line, '\n'), nil
}

// writeFull loops until p is written; a short write without an error would
// otherwise truncate a line.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Tee returns a Writer that sends every record to each non-nil writer in
// order. A failing writer does not stop the others; failures are returned
// together. Close closes every writer.
func Tee(writers ...Writer) Writer {
	t := tee{}
	for _, w := range writers {
		if w != nil {
			t = append(t, w)
		}
	}
	return t
}

type tee []Writer

func (t tee) each(fn func(Writer) error) error {
	var errs *multierror.Error
	for _, w := range t {
		if err := fn(w); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (t tee) WriteProgress(ctx context.Context, job string, prog *ProgressRecord) error {
	return t.each(func(w Writer) error { return w.WriteProgress(ctx, job, prog) })
}

func (t tee) WriteJob(ctx context.Context, job string, rec *JobRecord) error {
	return t.each(func(w Writer) error { return w.WriteJob(ctx, job, rec) })
}

func (t tee) WriteRecovery(ctx context.Context, job string, rec *RecoveryRecord) error {
	return t.each(func(w Writer) error { return w.WriteRecovery(ctx, job, rec) })
}

func (t tee) WriteError(ctx context.Context, job string, rec *ErrorRecord) error {
	return t.each(func(w Writer) error { return w.WriteError(ctx, job, rec) })
}

func (t tee) Close() error {
	return t.each(func(w Writer) error { return w.Close() })
}

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = tee(nil)
)
