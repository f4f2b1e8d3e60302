package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"techaura-fulfillment/internal/models"
)

const jobColumns = `id, order_id, job_type, status, progress, total_units, processed_units,
	payload, locked_by, locked_until, attempts, last_error, started_at, finished_at,
	created_at, updated_at`

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a pending job row, honoring idempotency if provided.
// It returns the job and a boolean indicating whether an existing job was
// reused via the idempotency key.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.ProcessingJob, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.ProcessingJob{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO processing_jobs (order_id, job_type, status, total_units, payload, created_at, updated_at)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, NOW(), NOW())
		RETURNING id
	`, p.OrderID, p.JobType, models.StatusPending, p.TotalUnits, payloadJSON).Scan(&id)
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		ttl := p.IdempotencyTTL
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, NOW() + $3::interval)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
		if err != nil {
			return models.ProcessingJob{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return theirs.
			if err := tx.Rollback(ctx); err != nil {
				return models.ProcessingJob{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.ProcessingJob{}, false, err
			}
			if !found {
				return models.ProcessingJob{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("commit: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.ProcessingJob{}, false, err
	}
	return job, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.ProcessingJob, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingJob{}, false, nil
	}
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.ProcessingJob{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingJob{}, ErrNotFound
	}
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListByStatus returns jobs in a given status, oldest first.
func (s *Postgres) ListByStatus(ctx context.Context, status string, limit int) ([]models.ProcessingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountByStatus returns the number of jobs per status.
func (s *Postgres) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClaimNext leases the oldest eligible job via a single conditional UPDATE.
// SKIP LOCKED keeps concurrent claimers from serializing on the same row; the
// WHERE predicate guarantees two racing callers cannot both win one job.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (models.ProcessingJob, bool, error) {
	until := time.Now().UTC().Add(leaseDuration)
	row := s.pool.QueryRow(ctx, `
		UPDATE processing_jobs SET
			status = $3,
			locked_by = $1,
			locked_until = $2,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM processing_jobs
			WHERE (status = $4 AND locked_until IS NULL)
			   OR (status = $3 AND locked_until IS NOT NULL AND locked_until < NOW())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, until, models.StatusProcessing, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingJob{}, false, nil
	}
	if err != nil {
		return models.ProcessingJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// ExtendLease pushes locked_until forward if the caller still owns the job.
func (s *Postgres) ExtendLease(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (bool, error) {
	until := time.Now().UTC().Add(leaseDuration)
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET locked_until = $3, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $4
	`, id, workerID, until, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob transitions an owned job to completed and clears the lease.
func (s *Postgres) CompleteJob(ctx context.Context, id int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET
			status = $3, finished_at = NOW(),
			locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $4
	`, id, workerID, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob records a domain failure in one conditional UPDATE: the attempt
// counter advances, the lease clears, and the job either re-enters the pool
// or fails terminally once the attempt cap is reached.
func (s *Postgres) FailJob(ctx context.Context, id int64, workerID, detail string, maxAttempts int) (models.NextState, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE processing_jobs SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $3 THEN $4 ELSE $5 END,
			finished_at = CASE WHEN attempts + 1 >= $3 THEN NOW() ELSE finished_at END,
			last_error = CASE WHEN last_error IS NULL OR last_error = '' THEN $6
				ELSE last_error || '; ' || $6 END,
			locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
		RETURNING status
	`, id, workerID, maxAttempts, models.StatusFailed, models.StatusPending, detail).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotOwner
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	if status == models.StatusFailed {
		return models.NextTerminal, nil
	}
	return models.NextRetry, nil
}

// UpdateProgress advances unit counters while the caller owns the lease.
// processed_units is monotonic within a lease lifetime.
func (s *Postgres) UpdateProgress(ctx context.Context, id int64, workerID string, processed, total int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET
			processed_units = GREATEST(processed_units, $3),
			total_units = CASE WHEN $4 > 0 THEN $4 ELSE total_units END,
			progress = CASE WHEN $4 > 0 THEN LEAST(100, GREATEST(processed_units, $3) * 100 / $4)
				ELSE progress END,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`, id, workerID, processed, total)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FreeExpiredLeases returns every job with a lapsed lease to the pending pool.
// This is the eager form of what ClaimNext does lazily; attempts are untouched.
func (s *Postgres) FreeExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET
			status = $1, locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_until IS NOT NULL AND locked_until < NOW()
	`, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("free expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListOrphans returns jobs stuck in processing with no lease metadata.
func (s *Postgres) ListOrphans(ctx context.Context) ([]models.ProcessingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 AND locked_by IS NULL AND locked_until IS NULL
		ORDER BY created_at
	`, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RequeueOrphan returns a still-orphaned job to pending. Attempts are not
// incremented: the work was never truly executed.
func (s *Postgres) RequeueOrphan(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND locked_by IS NULL AND locked_until IS NULL
	`, id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("requeue orphan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailOrphan terminally fails a still-orphaned job that has no attempts left.
func (s *Postgres) FailOrphan(ctx context.Context, id int64, note string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET
			status = $2, finished_at = NOW(),
			last_error = CASE WHEN last_error IS NULL OR last_error = '' THEN $4
				ELSE last_error || '; ' || $4 END,
			updated_at = NOW()
		WHERE id = $1 AND status = $3 AND locked_by IS NULL AND locked_until IS NULL
	`, id, models.StatusFailed, models.StatusProcessing, note)
	if err != nil {
		return false, fmt.Errorf("fail orphan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendJobLog inserts an append-only diagnostic row.
func (s *Postgres) AppendJobLog(ctx context.Context, e models.JobLogEntry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal log details: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_job_logs (job_id, level, category, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.JobID, e.Level, e.Category, e.Message, details)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// ListJobLogs reads recent diagnostic rows for one job, newest first.
func (s *Postgres) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]models.JobLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, category, message, details, created_at
		FROM processing_job_logs
		WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var entries []models.JobLogEntry
	for rows.Next() {
		var e models.JobLogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Category, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal log details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping executes a trivial read against the store.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (models.ProcessingJob, error) {
	var job models.ProcessingJob
	var orderID, lockedBy, lastErr pgtype.Text
	var lockedUntil, startedAt, finishedAt pgtype.Timestamptz
	var payloadJSON []byte

	err := row.Scan(&job.ID, &orderID, &job.JobType, &job.Status, &job.Progress,
		&job.TotalUnits, &job.ProcessedUnits, &payloadJSON, &lockedBy, &lockedUntil,
		&job.Attempts, &lastErr, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.ProcessingJob{}, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.ProcessingJob{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.OrderID = textPtr(orderID)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	job.LockedUntil = timePtr(lockedUntil)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
