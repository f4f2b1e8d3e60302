package store

import (
	"context"
	"errors"
	"time"

	"techaura-fulfillment/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNotOwner is returned by conditional writes when the caller no longer
// holds the lease it claims to hold.
var ErrNotOwner = errors.New("job not owned by caller")

// CreateJobParams collects inputs required to insert a pending job.
type CreateJobParams struct {
	OrderID        string
	JobType        string
	Payload        map[string]any
	TotalUnits     int
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// Store is the persistence seam shared by the lease manager, the reconciler
// and the HTTP surface. Postgres is the production implementation; Memory is
// the in-process fake used by tests. All lease-affecting operations are single
// conditional writes so that the store's atomicity is the only synchronization
// primitive in play.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.ProcessingJob, bool, error)
	GetJob(ctx context.Context, id int64) (models.ProcessingJob, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.ProcessingJob, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// ClaimNext atomically leases the oldest eligible job (pending, or
	// processing with an expired lease) to workerID. The boolean is false when
	// no eligible job exists.
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (models.ProcessingJob, bool, error)
	// ExtendLease pushes locked_until forward; false means ownership was lost.
	ExtendLease(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (bool, error)
	// CompleteJob marks the job terminally completed and clears the lease;
	// false means ownership was lost.
	CompleteJob(ctx context.Context, id int64, workerID string) (bool, error)
	// FailJob increments attempts, appends detail to last_error and clears the
	// lease; the job re-enters the pending pool below maxAttempts, otherwise
	// it is terminally failed. Returns ErrNotOwner when ownership was lost.
	FailJob(ctx context.Context, id int64, workerID, detail string, maxAttempts int) (models.NextState, error)
	// UpdateProgress advances the unit counters, conditional on ownership.
	// processed never regresses below its stored value.
	UpdateProgress(ctx context.Context, id int64, workerID string, processed, total int) (bool, error)

	// FreeExpiredLeases clears every lapsed lease and returns the jobs to
	// pending. Attempts are untouched.
	FreeExpiredLeases(ctx context.Context) (int64, error)
	// ListOrphans returns jobs marked processing with null lease fields.
	ListOrphans(ctx context.Context) ([]models.ProcessingJob, error)
	// RequeueOrphan returns a still-orphaned job to pending without touching
	// attempts; false if the row was no longer an orphan.
	RequeueOrphan(ctx context.Context, id int64) (bool, error)
	// FailOrphan terminally fails a still-orphaned job, appending note to
	// last_error; attempts are untouched.
	FailOrphan(ctx context.Context, id int64, note string) (bool, error)

	AppendJobLog(ctx context.Context, e models.JobLogEntry) error
	ListJobLogs(ctx context.Context, jobID int64, limit int) ([]models.JobLogEntry, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// appendError concatenates failure detail onto an existing last_error value.
// last_error is append-only within a job's lifetime.
func appendError(prev *string, detail string) string {
	if prev == nil || *prev == "" {
		return detail
	}
	return *prev + "; " + detail
}
