package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// NextState is the outcome of reporting a job failure: either the job
// re-enters the pending pool for another attempt, or it is terminally failed.
type NextState string

const (
	NextRetry    NextState = "pending"
	NextTerminal NextState = "failed"
)

// ProcessingJob represents one unit of fulfillment work (e.g. copying an
// order's media onto a device). A job is exclusively owned by at most one
// worker at a time via the (LockedBy, LockedUntil) lease pair; both fields
// are set together or null together.
type ProcessingJob struct {
	ID             int64          `json:"id"`
	OrderID        *string        `json:"order_id,omitempty"`
	JobType        string         `json:"job_type"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	TotalUnits     int            `json:"total_units"`
	ProcessedUnits int            `json:"processed_units"`
	Payload        map[string]any `json:"payload,omitempty"`
	LockedBy       *string        `json:"locked_by,omitempty"`
	LockedUntil    *time.Time     `json:"locked_until,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Leased reports whether the job currently carries lease metadata.
func (j ProcessingJob) Leased() bool {
	return j.LockedBy != nil && j.LockedUntil != nil
}

// LeaseExpired reports whether the job's lease has lapsed at the given instant.
func (j ProcessingJob) LeaseExpired(now time.Time) bool {
	return j.LockedUntil != nil && j.LockedUntil.Before(now)
}

// Orphaned reports whether the job is marked processing but lost its lease
// metadata, which indicates a crash between the status write and the lease
// assignment. Only the reconciliation pass repairs this state.
func (j ProcessingJob) Orphaned() bool {
	return j.Status == StatusProcessing && j.LockedBy == nil && j.LockedUntil == nil
}

// Log levels for JobLogEntry rows.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// SystemJobID marks log entries not tied to one job (e.g. reconciliation
// summaries).
const SystemJobID int64 = 0

// JobLogEntry is one append-only diagnostic row keyed by job. Entries are
// immutable once written; pruning is an operational concern.
type JobLogEntry struct {
	ID        int64          `json:"id"`
	JobID     int64          `json:"job_id"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
