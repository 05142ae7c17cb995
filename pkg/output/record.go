// Package output provides JSONL output for batch runs.
//
// Output is structured as typed record envelopes containing progress
// updates, job outcomes, recovery attempts and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: aerobatch.<type>.v<version>
const (
	// TypeProgress identifies phase progress records.
	TypeProgress = "aerobatch.progress.v1"

	// TypeJob identifies terminal job outcome records.
	TypeJob = "aerobatch.job.v1"

	// TypeRecovery identifies divergence recovery records.
	TypeRecovery = "aerobatch.recovery.v1"

	// TypeError identifies error records.
	TypeError = "aerobatch.error.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "aerobatch.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one batch run.
	RunID string `json:"run_id"`

	// Job is the job the record belongs to, if any.
	Job string `json:"job,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProgressRecord is the data payload for phase progress.
type ProgressRecord struct {
	// Seq is the progress bus sequence number. Consumers dedupe on it.
	Seq int64 `json:"seq,omitempty"`

	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`

	// ElapsedMS is set when a phase finishes.
	ElapsedMS int64 `json:"elapsed_ms,omitempty"`
}

// JobRecord is the data payload emitted once per job when it finishes.
type JobRecord struct {
	Status     string   `json:"status"`
	Phase      string   `json:"phase,omitempty"`
	Cd         *float64 `json:"cd,omitempty"`
	Cl         *float64 `json:"cl,omitempty"`
	SCx        *float64 `json:"scx,omitempty"`
	SCz        *float64 `json:"scz,omitempty"`
	Area       *float64 `json:"projected_area,omitempty"`
	Recoveries int      `json:"recoveries"`
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

// RecoveryRecord is the data payload for one divergence recovery attempt.
type RecoveryRecord struct {
	Stage            int      `json:"stage"`
	StageName        string   `json:"stage_name,omitempty"`
	Iterations       int      `json:"iterations"`
	ContinuityBefore *float64 `json:"continuity_before,omitempty"`
	ContinuityAfter  *float64 `json:"continuity_after,omitempty"`
	Cleared          bool     `json:"cleared"`
	Error            string   `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than stopping the batch, so a
// consumer sees every failed job alongside the ones that succeeded.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Phase is the phase that failed, if applicable.
	Phase string `json:"phase,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeFatalPhase indicates a job stopped in a pre-ramp phase.
	ErrCodeFatalPhase = "FATAL_PHASE"

	// ErrCodeExtraction indicates a post-processing quantity was unavailable.
	ErrCodeExtraction = "EXTRACTION"

	// ErrCodeExport indicates a file or summary write failed.
	ErrCodeExport = "EXPORT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
