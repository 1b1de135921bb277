package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of an asynchronous execution.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. No transition ever leaves
// completed, failed, or cancelled.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job tracks one asynchronous execution. Submission dedupes on
// (tenant_id, spec_hash) while an equivalent job is queued or running, so
// resubmitting the same specification returns the existing job. Mutated
// only by the worker that claimed it, except for the cancel flag.
type Job struct {
	ID              string          `db:"id"               json:"job_id"`
	TenantID        string          `db:"tenant_id"        json:"-"`
	SpecHash        string          `db:"spec_hash"        json:"spec_hash"`
	Spec            json.RawMessage `db:"spec"             json:"spec,omitempty"`
	Status          JobStatus       `db:"status"           json:"status"`
	Progress        float64         `db:"progress"         json:"progress"`
	Result          json.RawMessage `db:"result"           json:"result,omitempty"`
	ErrorCode       *string         `db:"error_code"       json:"error_code,omitempty"`
	ErrorMessage    *string         `db:"error_message"    json:"error_message,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"-"`
	ClaimedBy       *string         `db:"claimed_by"       json:"-"`
	ClaimExpiresAt  *time.Time      `db:"claim_expires_at" json:"-"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
}

// DecodeResult unmarshals the stored result. Only valid once the job
// completed.
func (j *Job) DecodeResult() (*Result, error) {
	var r Result
	if err := json.Unmarshal(j.Result, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// JobStats holds queue statistics for monitoring.
type JobStats struct {
	Queued        int64   `db:"queued"          json:"queued"`
	Running       int64   `db:"running"         json:"running"`
	Completed     int64   `db:"completed"       json:"completed"`
	Failed        int64   `db:"failed"          json:"failed"`
	Cancelled     int64   `db:"cancelled"       json:"cancelled"`
	AvgRunSeconds float64 `db:"avg_run_seconds" json:"avg_run_seconds"`
}
