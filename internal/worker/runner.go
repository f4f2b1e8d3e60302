package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"techaura-fulfillment/internal/lease"
	"techaura-fulfillment/internal/models"
)

// ProgressFunc reports unit progress for the job being handled. Calls after
// the lease is lost are silently dropped.
type ProgressFunc func(processed, total int)

// Handler executes one job of a given type.
type Handler func(ctx context.Context, job models.ProcessingJob, report ProgressFunc) error

// Runner drives the worker loop: claim, renew at half the lease window,
// execute, then complete or fail. A failed renew cancels the handler context
// immediately; work must not continue once ownership is lost.
type Runner struct {
	leases        *lease.Manager
	handlers      map[string]Handler
	workerID      string
	leaseDuration time.Duration
	pollInterval  time.Duration
	log           zerolog.Logger
}

// NewRunner builds a worker loop bound to one worker identity.
func NewRunner(leases *lease.Manager, workerID string, leaseDuration, pollInterval time.Duration, log *zerolog.Logger) *Runner {
	if leaseDuration <= 0 {
		leaseDuration = lease.DefaultDuration
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "worker").Str("worker", workerID).Logger()
	}
	return &Runner{
		leases:        leases,
		handlers:      make(map[string]Handler),
		workerID:      workerID,
		leaseDuration: leaseDuration,
		pollInterval:  pollInterval,
		log:           l,
	}
}

// RegisterHandler binds a handler to a job type.
func (r *Runner) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

// Run claims and executes jobs until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := r.leases.Claim(ctx, r.workerID, r.leaseDuration)
		if err != nil {
			// Store trouble propagates to us, not silence; back off and retry.
			r.log.Error().Err(err).Msg("claim failed")
			if !sleep(ctx, r.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, r.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		r.execute(ctx, *job)
	}
}

// execute runs one claimed job under a renewing lease.
func (r *Runner) execute(parent context.Context, job models.ProcessingJob) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	lost := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		t := time.NewTicker(r.leaseDuration / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := r.leases.Renew(ctx, job.ID, r.workerID, r.leaseDuration)
				if err != nil {
					// Transient store error; the current lease window may
					// still hold, so keep working and retry next tick.
					r.log.Warn().Err(err).Int64("job_id", job.ID).Msg("renew errored")
					continue
				}
				if !ok {
					close(lost)
					cancel()
					return
				}
			}
		}
	}()

	report := func(processed, total int) {
		if _, err := r.leases.Progress(ctx, job.ID, r.workerID, processed, total); err != nil {
			r.log.Warn().Err(err).Int64("job_id", job.ID).Msg("progress update failed")
		}
	}

	err := r.runHandler(ctx, job, report)
	cancel()
	<-renewDone

	select {
	case <-lost:
		// Ownership was reclaimed mid-flight. The job will be re-executed by
		// whoever claims it next; our result is void.
		r.log.Warn().Int64("job_id", job.ID).Msg("lease lost during execution, abandoning result")
		return
	default:
	}

	if err != nil {
		next, failErr := r.leases.Fail(parent, job.ID, r.workerID, err.Error())
		if errors.Is(failErr, lease.ErrLostLease) {
			r.log.Warn().Int64("job_id", job.ID).Msg("lease lost before failure report")
			return
		}
		if failErr != nil {
			r.log.Error().Err(failErr).Int64("job_id", job.ID).Msg("failure report errored")
			return
		}
		r.log.Warn().Int64("job_id", job.ID).Str("next", string(next)).Err(err).Msg("job failed")
		return
	}

	if err := r.leases.Complete(parent, job.ID, r.workerID); err != nil {
		if errors.Is(err, lease.ErrLostLease) {
			r.log.Warn().Int64("job_id", job.ID).Msg("lease lost before completion report")
			return
		}
		r.log.Error().Err(err).Int64("job_id", job.ID).Msg("completion report errored")
	}
}

func (r *Runner) runHandler(ctx context.Context, job models.ProcessingJob, report ProgressFunc) error {
	h, ok := r.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.JobType)
	}
	return h(ctx, job, report)
}

// sleep waits for d or context cancellation; false means the context ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
