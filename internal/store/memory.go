package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"techaura-fulfillment/internal/models"
)

// Memory is an in-process Store used by tests. It mirrors the conditional
// semantics of the Postgres implementation under a single mutex.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.ProcessingJob
	logs   []models.JobLogEntry
	keys   map[string]int64

	// now is swappable so tests can control lease expiry.
	now func() time.Time

	// PingErr and AppendLogErr inject failures for reconciliation tests.
	PingErr      error
	AppendLogErr error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[int64]*models.ProcessingJob),
		keys: make(map[string]int64),
		now:  time.Now,
	}
}

// SetNow overrides the clock used for lease arithmetic.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed inserts a job as-is, bypassing creation defaults. Tests use it to
// construct inconsistent states the reconciler must repair.
func (m *Memory) Seed(job models.ProcessingJob) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == 0 {
		m.nextID++
		job.ID = m.nextID
	} else if job.ID > m.nextID {
		m.nextID = job.ID
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	job.UpdatedAt = m.now()
	copied := job
	m.jobs[job.ID] = &copied
	return job.ID
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.ProcessingJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.keys[p.IdempotencyKey]; ok {
			return *m.jobs[id], true, nil
		}
	}

	m.nextID++
	now := m.now()
	job := models.ProcessingJob{
		ID:         m.nextID,
		JobType:    p.JobType,
		Status:     models.StatusPending,
		TotalUnits: p.TotalUnits,
		Payload:    p.Payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.OrderID != "" {
		oid := p.OrderID
		job.OrderID = &oid
	}
	m.jobs[job.ID] = &job
	if p.IdempotencyKey != "" {
		m.keys[p.IdempotencyKey] = job.ID
	}
	return job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ProcessingJob{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) ListByStatus(_ context.Context, status string, limit int) ([]models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProcessingJob
	for _, job := range m.sortedJobs() {
		if job.Status == status {
			out = append(out, *job)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *Memory) ClaimNext(_ context.Context, workerID string, leaseDuration time.Duration) (models.ProcessingJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, job := range m.sortedJobs() {
		eligible := (job.Status == models.StatusPending && job.LockedUntil == nil) ||
			(job.Status == models.StatusProcessing && job.LockedUntil != nil && job.LockedUntil.Before(now))
		if !eligible {
			continue
		}
		until := now.Add(leaseDuration)
		wid := workerID
		job.Status = models.StatusProcessing
		job.LockedBy = &wid
		job.LockedUntil = &until
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
		}
		job.UpdatedAt = now
		return *job, true, nil
	}
	return models.ProcessingJob{}, false, nil
}

func (m *Memory) ExtendLease(_ context.Context, id int64, workerID string, leaseDuration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusProcessing || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	until := m.now().Add(leaseDuration)
	job.LockedUntil = &until
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) CompleteJob(_ context.Context, id int64, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusProcessing || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	now := m.now()
	job.Status = models.StatusCompleted
	job.FinishedAt = &now
	job.LockedBy = nil
	job.LockedUntil = nil
	job.UpdatedAt = now
	return true, nil
}

func (m *Memory) FailJob(_ context.Context, id int64, workerID, detail string, maxAttempts int) (models.NextState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return "", ErrNotOwner
	}
	now := m.now()
	job.Attempts++
	merged := appendError(job.LastError, detail)
	job.LastError = &merged
	job.LockedBy = nil
	job.LockedUntil = nil
	job.UpdatedAt = now
	if job.Attempts >= maxAttempts {
		job.Status = models.StatusFailed
		job.FinishedAt = &now
		return models.NextTerminal, nil
	}
	job.Status = models.StatusPending
	return models.NextRetry, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id int64, workerID string, processed, total int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	if processed > job.ProcessedUnits {
		job.ProcessedUnits = processed
	}
	if total > 0 {
		job.TotalUnits = total
		pct := job.ProcessedUnits * 100 / total
		if pct > 100 {
			pct = 100
		}
		job.Progress = pct
	}
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) FreeExpiredLeases(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, job := range m.jobs {
		if job.Status == models.StatusProcessing && job.LockedUntil != nil && job.LockedUntil.Before(now) {
			job.Status = models.StatusPending
			job.LockedBy = nil
			job.LockedUntil = nil
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListOrphans(_ context.Context) ([]models.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProcessingJob
	for _, job := range m.sortedJobs() {
		if job.Orphaned() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *Memory) RequeueOrphan(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !job.Orphaned() {
		return false, nil
	}
	job.Status = models.StatusPending
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) FailOrphan(_ context.Context, id int64, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !job.Orphaned() {
		return false, nil
	}
	now := m.now()
	merged := appendError(job.LastError, note)
	job.Status = models.StatusFailed
	job.FinishedAt = &now
	job.LastError = &merged
	job.UpdatedAt = now
	return true, nil
}

func (m *Memory) AppendJobLog(_ context.Context, e models.JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendLogErr != nil {
		return m.AppendLogErr
	}
	e.ID = int64(len(m.logs) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) ListJobLogs(_ context.Context, jobID int64, limit int) ([]models.JobLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobLogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].JobID == jobID {
			out = append(out, m.logs[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// sortedJobs returns jobs ordered by created_at then id, matching the FIFO
// tie-break of the SQL claim scan. Callers must hold m.mu.
func (m *Memory) sortedJobs() []*models.ProcessingJob {
	out := make([]*models.ProcessingJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
