// Package storage keeps a local journal of the jobs this worker ran. The
// journal is diagnostic only: the orchestrator remains the source of truth
// and the worker runs normally when the journal cannot be opened.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a job id
var ErrNotFound = errors.New("job record not found")

// Job record statuses
const (
	StatusClaimed   = "claimed"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobRecord is one journal entry
type JobRecord struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	ClaimedAt  time.Time `json:"claimed_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	OutputURL  string    `json:"output_url,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	Message    string    `json:"message,omitempty"`

	// Seq orders records by first appearance
	Seq uint64 `json:"seq"`
}

// Journal defines the interface for the job journal
type Journal interface {
	// Record inserts or replaces the record for rec.JobID
	Record(rec *JobRecord) error

	// Get returns the record for a job
	Get(jobID string) (*JobRecord, error)

	// Recent returns up to n records, newest first
	Recent(n int) ([]*JobRecord, error)

	Close() error
}
