package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"techaura-fulfillment/internal/models"
	"techaura-fulfillment/internal/store"
	"techaura-fulfillment/internal/telemetry"
)

// ErrLostLease signals that ownership of a job was reclaimed while the caller
// was still working. The caller must abandon the work immediately; continuing
// after losing the lease risks duplicate side effects on the device.
var ErrLostLease = errors.New("lease ownership lost")

const (
	// DefaultDuration is the lease window granted by Claim when the caller
	// passes zero. Workers should renew at half this interval.
	DefaultDuration = 2 * time.Minute

	// DefaultMaxAttempts bounds automatic retry before a job fails terminally.
	DefaultMaxAttempts = 3
)

// Manager guarantees at most one active worker owns a given job at any
// instant, using only the relational store's conditional writes as the
// coordination substrate. It holds no in-process locks and no state beyond
// its configuration; any number of Managers may share one store.
type Manager struct {
	store       store.Store
	maxAttempts int
	log         zerolog.Logger
}

// NewManager builds a Manager over the given store. maxAttempts <= 0 selects
// the default.
func NewManager(st store.Store, maxAttempts int, log *zerolog.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "lease").Logger()
	}
	return &Manager{store: st, maxAttempts: maxAttempts, log: l}
}

// MaxAttempts reports the retry bound enforced by Fail.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Claim leases the oldest eligible job to workerID for the given duration.
// A nil job with nil error means no job is available; callers are expected to
// back off rather than busy-loop. Contention is not an error: two callers
// racing on one job resolve to exactly one winner at the store.
func (m *Manager) Claim(ctx context.Context, workerID string, duration time.Duration) (*models.ProcessingJob, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	job, ok, err := m.store.ClaimNext(ctx, workerID, duration)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		telemetry.ClaimsEmpty.Inc()
		return nil, nil
	}
	telemetry.ClaimsGranted.Inc()
	telemetry.InFlightGauge.Inc()
	m.log.Debug().Int64("job_id", job.ID).Str("worker", workerID).
		Str("job_type", job.JobType).Time("locked_until", *job.LockedUntil).
		Msg("job claimed")
	return &job, nil
}

// Renew extends the caller's lease. A false return means ownership was
// reclaimed; the caller must treat it as an unconditional abort signal.
func (m *Manager) Renew(ctx context.Context, jobID int64, workerID string, duration time.Duration) (bool, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	ok, err := m.store.ExtendLease(ctx, jobID, workerID, duration)
	if err != nil {
		return false, fmt.Errorf("renew: %w", err)
	}
	if !ok {
		telemetry.LostLeases.Inc()
		m.log.Warn().Int64("job_id", jobID).Str("worker", workerID).Msg("renew refused, ownership lost")
	}
	return ok, nil
}

// Complete marks an owned job as successfully finished and releases the lease.
// Returns ErrLostLease when the lease was reclaimed first.
func (m *Manager) Complete(ctx context.Context, jobID int64, workerID string) error {
	ok, err := m.store.CompleteJob(ctx, jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if !ok {
		telemetry.LostLeases.Inc()
		return fmt.Errorf("complete job %d: %w", jobID, ErrLostLease)
	}
	telemetry.JobsCompleted.Inc()
	telemetry.InFlightGauge.Dec()
	m.log.Info().Int64("job_id", jobID).Str("worker", workerID).Msg("job completed")
	return nil
}

// Fail records a domain failure and releases the lease. Below the attempt cap
// the job re-enters the pending pool; at the cap it fails terminally. The
// attempt counter advances exactly once per Fail call and never anywhere else.
func (m *Manager) Fail(ctx context.Context, jobID int64, workerID, detail string) (models.NextState, error) {
	next, err := m.store.FailJob(ctx, jobID, workerID, detail, m.maxAttempts)
	if errors.Is(err, store.ErrNotOwner) {
		telemetry.LostLeases.Inc()
		return "", fmt.Errorf("fail job %d: %w", jobID, ErrLostLease)
	}
	if err != nil {
		return "", fmt.Errorf("fail: %w", err)
	}
	telemetry.JobsFailed.Inc()
	telemetry.InFlightGauge.Dec()
	if next == models.NextTerminal {
		telemetry.JobsTerminal.Inc()
		m.log.Error().Int64("job_id", jobID).Str("worker", workerID).Str("detail", detail).
			Msg("job failed terminally")
	} else {
		m.log.Warn().Int64("job_id", jobID).Str("worker", workerID).Str("detail", detail).
			Msg("job failed, requeued for retry")
	}

	entry := models.JobLogEntry{
		JobID:    jobID,
		Level:    models.LogError,
		Category: "worker",
		Message:  detail,
		Details:  map[string]any{"next_state": string(next), "worker": workerID},
	}
	if logErr := m.store.AppendJobLog(ctx, entry); logErr != nil {
		// Diagnostic detail is best-effort; the state transition already held.
		m.log.Warn().Err(logErr).Int64("job_id", jobID).Msg("append failure log entry")
	}
	return next, nil
}

// Progress reports unit counters for an owned job. A false return means
// ownership was lost and the caller should abort.
func (m *Manager) Progress(ctx context.Context, jobID int64, workerID string, processed, total int) (bool, error) {
	ok, err := m.store.UpdateProgress(ctx, jobID, workerID, processed, total)
	if err != nil {
		return false, fmt.Errorf("progress: %w", err)
	}
	return ok, nil
}
