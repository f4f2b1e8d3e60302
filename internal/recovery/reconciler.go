package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"techaura-fulfillment/internal/models"
	"techaura-fulfillment/internal/store"
	"techaura-fulfillment/internal/telemetry"
)

const orphanNote = "orphaned job recovered on startup"

// Result summarizes one reconciliation pass. It is returned synchronously so
// the host process can decide whether to continue serving traffic.
type Result struct {
	Success        bool          `json:"success"`
	LeasesRepaired int64         `json:"leases_repaired"`
	JobsRequeued   int64         `json:"jobs_requeued"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// StatsCache receives recomputed per-status counts after a pass. Derived
// state is never trusted across a restart; it is always rebuilt from the
// store.
type StatsCache interface {
	Rehydrate(ctx context.Context, counts map[string]int64) error
}

// Reconciler restores a consistent view of job state after an uncontrolled
// restart: persisted rows may claim leases whose holders no longer exist, or
// sit in processing with no lease at all. The pass is bounded, single-scan,
// and safe to repeat while workers are active because it only ever moves
// already-expired or orphaned jobs.
type Reconciler struct {
	store       store.Store
	cache       StatsCache
	maxAttempts int
	log         zerolog.Logger
}

// New builds a Reconciler. cache may be nil when no derived-stats store is
// deployed. maxAttempts <= 0 selects the lease manager default.
func New(st store.Store, cache StatsCache, maxAttempts int, log *zerolog.Logger) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "reconciler").Logger()
	}
	return &Reconciler{store: st, cache: cache, maxAttempts: maxAttempts, log: l}
}

// Run executes one reconciliation pass. Data inconsistency never fails the
// pass; only store unreachability does (the liveness check), since the core
// cannot safely proceed without its system of record.
func (r *Reconciler) Run(ctx context.Context) Result {
	start := time.Now()
	res := Result{Success: true}

	// Step 1: free expired leases eagerly so queue depth is observable
	// immediately, rather than waiting for claims to reclaim them lazily.
	repaired, err := r.store.FreeExpiredLeases(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("free expired leases: %v", err))
	} else {
		res.LeasesRepaired = repaired
		telemetry.LeasesRepaired.Add(float64(repaired))
		if repaired > 0 {
			r.log.Info().Int64("count", repaired).Msg("expired leases freed")
		}
	}

	// Step 2: recover orphans. These were never truly executed, so the
	// attempt counter stays untouched either way.
	orphans, err := r.store.ListOrphans(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list orphans: %v", err))
	}
	for _, job := range orphans {
		var ok bool
		var opErr error
		if job.Attempts >= r.maxAttempts {
			ok, opErr = r.store.FailOrphan(ctx, job.ID, orphanNote)
		} else {
			ok, opErr = r.store.RequeueOrphan(ctx, job.ID)
		}
		if opErr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("recover orphan %d: %v", job.ID, opErr))
			continue
		}
		if ok {
			res.JobsRequeued++
			telemetry.OrphansRecovered.Inc()
			r.log.Warn().Int64("job_id", job.ID).Int("attempts", job.Attempts).
				Bool("terminal", job.Attempts >= r.maxAttempts).Msg("orphaned job recovered")
		}
	}

	// Step 3: rebuild derived aggregates straight from the store.
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("count by status: %v", err))
	} else {
		telemetry.QueueDepthGauge.Set(float64(counts[models.StatusPending]))
		telemetry.InFlightGauge.Set(float64(counts[models.StatusProcessing]))
		if r.cache != nil {
			if err := r.cache.Rehydrate(ctx, counts); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("rehydrate stats cache: %v", err))
			}
		}
	}

	// Step 4: liveness. Exercise the reads the admin surface depends on; an
	// unreachable store fails the pass and the caller decides whether to abort
	// startup.
	if err := r.verifyLiveness(ctx); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("liveness: %v", err))
		r.log.Error().Err(err).Msg("store liveness check failed")
	}

	res.Duration = time.Since(start)

	// Step 5: audit entry. Best effort; an audit gap is itself logged but
	// never fails reconciliation.
	entry := models.JobLogEntry{
		JobID:    models.SystemJobID,
		Level:    models.LogInfo,
		Category: "reconciliation",
		Message:  "startup reconciliation finished",
		Details: map[string]any{
			"success":         res.Success,
			"leases_repaired": res.LeasesRepaired,
			"jobs_requeued":   res.JobsRequeued,
			"duration_ms":     res.Duration.Milliseconds(),
			"errors":          res.Errors,
		},
	}
	if err := r.store.AppendJobLog(ctx, entry); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("append audit entry: %v", err))
		r.log.Warn().Err(err).Msg("reconciliation audit entry not written")
	}

	r.log.Info().Bool("success", res.Success).
		Int64("leases_repaired", res.LeasesRepaired).
		Int64("jobs_requeued", res.JobsRequeued).
		Dur("duration", res.Duration).
		Msg("reconciliation pass finished")
	return res
}

func (r *Reconciler) verifyLiveness(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if _, err := r.store.CountByStatus(ctx); err != nil {
		return fmt.Errorf("status counts: %w", err)
	}
	if _, err := r.store.ListJobLogs(ctx, models.SystemJobID, 1); err != nil {
		return fmt.Errorf("audit log read: %w", err)
	}
	return nil
}

// Start reruns the pass on a ticker until the context is cancelled. The
// periodic pass is optional; it only ever moves expired or orphaned jobs, so
// it is safe alongside active workers holding live leases.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Run(ctx)
		}
	}
}
