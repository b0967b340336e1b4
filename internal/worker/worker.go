// Package worker runs the job processing loop: claim a batch of jobs under a
// lease, fan the batch out to registered handlers, report every outcome back
// to the job store. Workers share nothing; all coordination happens through
// the store's conditional updates.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultLeaseSeconds = 60
	defaultConcurrency  = 4

	// Batch sizes are clamped so one claim can neither starve the rest of
	// the fleet nor degenerate into per-job polling.
	minBatchSize = 10
	maxBatchSize = 25
)

// EventRecorder receives job lifecycle events. Recording is best-effort;
// implementations must never block job processing.
type EventRecorder interface {
	Record(event storage.JobEvent)
}

// Config holds worker pool settings.
type Config struct {
	// OwnerID identifies this worker instance in lease columns. Derived
	// from service name + pid so co-scheduled instances do not collide.
	OwnerID      string
	JobTypes     []storage.JobType
	PollInterval time.Duration
	LeaseSeconds int
	BatchSize    int
	Concurrency  int
}

// Worker polls the job store and executes claimed jobs.
type Worker struct {
	cfg      Config
	repos    *storage.Repositories
	recorder EventRecorder
	logger   *observability.Logger
	handlers map[storage.JobType]HandlerFunc
}

// New creates a Worker. Register handlers before calling Run.
func New(cfg Config, repos *storage.Repositories, recorder EventRecorder, logger *observability.Logger) *Worker {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	if cfg.BatchSize < minBatchSize {
		cfg.BatchSize = minBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	return &Worker{
		cfg:      cfg,
		repos:    repos,
		recorder: recorder,
		logger:   logger.WithComponent("worker"),
		handlers: make(map[storage.JobType]HandlerFunc),
	}
}

// Register installs the handler for a job type. Must be called before Run.
func (w *Worker) Register(jobType storage.JobType, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// OwnerID returns the lease owner identity of this worker.
func (w *Worker) OwnerID() string {
	return w.cfg.OwnerID
}

// Run polls for jobs until ctx is cancelled. Each poll claims one batch per
// job type and processes it to completion before the next poll, so returning
// from Run means no job is in flight.
func (w *Worker) Run(ctx context.Context) error {
	types := w.claimTypes()
	if len(types) == 0 {
		return errors.New("no job handlers registered")
	}

	w.logger.Info().
		Str("owner", w.cfg.OwnerID).
		Int("batch_size", w.cfg.BatchSize).
		Int("concurrency", w.cfg.Concurrency).
		Int("lease_seconds", w.cfg.LeaseSeconds).
		Msg("Worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info().Str("owner", w.cfg.OwnerID).Msg("Worker stopped")
			return nil
		}
		if processed > 0 {
			// Backlog present: poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Str("owner", w.cfg.OwnerID).Msg("Worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes a single batch for every handled job type,
// returning the number of jobs executed. The batch fans out to at most
// Concurrency handlers and RunOnce blocks until all of them finish.
func (w *Worker) RunOnce(ctx context.Context) int {
	total := 0
	for _, jobType := range w.claimTypes() {
		if ctx.Err() != nil {
			return total
		}

		jobs, err := w.repos.Jobs.ClaimBatch(ctx, jobType, w.cfg.OwnerID, w.cfg.LeaseSeconds, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error().Err(err).Str("job_type", string(jobType)).Msg("Claim batch failed")
			continue
		}
		if len(jobs) == 0 {
			continue
		}

		w.logger.Debug().
			Str("job_type", string(jobType)).
			Int("claimed", len(jobs)).
			Msg("Claimed batch")

		var wg sync.WaitGroup
		sem := make(chan struct{}, w.cfg.Concurrency)
		for _, job := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(job *storage.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.execute(ctx, job)
			}(job)
		}
		wg.Wait()

		total += len(jobs)
	}
	return total
}

// execute runs one claimed job end to end: handler under a lease-bounded
// context, then outcome reporting. Claimed jobs survive loop shutdown, so the
// handler context detaches from the poll context's cancellation.
func (w *Worker) execute(ctx context.Context, job *storage.Job) {
	logger := w.logger.WithJob(job.ID.String(), string(job.JobType)).WithDocument(job.DocumentID.String())
	w.record(job, storage.JobEventClaimed, "")

	handler, ok := w.handlers[job.JobType]
	if !ok {
		// Claimed a type nothing handles; should not happen.
		w.reportFailure(ctx, job, logger, Permanent(fmt.Errorf("no handler for job type %s", job.JobType)))
		return
	}

	// The budget ends before the lease does: a handler that would outlive
	// its lease aborts instead of racing whoever reclaims the job.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.leaseBudget())
	defer cancel()

	start := time.Now()
	logger.Info().Int("attempt", job.Attempt).Msg("Job started")

	err := handler(jobCtx, job)
	if err != nil {
		w.reportFailure(ctx, job, logger, err)
		return
	}

	reportCtx, cancelReport := reportContext(ctx)
	defer cancelReport()

	if err := w.repos.Jobs.Complete(reportCtx, job.ID, w.cfg.OwnerID); err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			logger.Warn().Msg("Lease lost before completion, result superseded")
			return
		}
		logger.Error().Err(err).Msg("Failed to mark job done")
		return
	}

	w.record(job, storage.JobEventCompleted, "")
	logger.Info().Dur("duration", time.Since(start)).Msg("Job completed")
}

// reportFailure classifies a handler error and writes the outcome.
func (w *Worker) reportFailure(ctx context.Context, job *storage.Job, logger *observability.Logger, err error) {
	retryable := !IsPermanent(err)

	reportCtx, cancel := reportContext(ctx)
	defer cancel()

	terminal, ferr := w.repos.Jobs.Fail(reportCtx, job, w.cfg.OwnerID, err.Error(), retryable)
	if ferr != nil {
		if errors.Is(ferr, storage.ErrLeaseLost) {
			logger.Warn().Err(err).Msg("Lease lost before failure report")
			return
		}
		logger.Error().Err(ferr).Msg("Failed to record job failure")
		return
	}

	if terminal {
		w.record(job, storage.JobEventFailed, err.Error())
		logger.Error().
			Err(err).
			Int("attempt", job.Attempt).
			Bool("retryable", retryable).
			Msg("Job failed terminally")
		return
	}

	w.record(job, storage.JobEventRetried, err.Error())
	logger.Warn().
		Err(err).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Msg("Job failed, retrying with backoff")
}

func (w *Worker) record(job *storage.Job, event storage.JobEventType, detail string) {
	if w.recorder == nil {
		return
	}
	ev := storage.JobEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Event:      event,
		Owner:      &w.cfg.OwnerID,
		OccurredAt: time.Now().UTC(),
	}
	if detail != "" {
		d := detail
		ev.Detail = &d
	}
	w.recorder.Record(ev)
}

// claimTypes returns the job types this worker claims: the configured list
// filtered to registered handlers, or every registered type when the list is
// empty.
func (w *Worker) claimTypes() []storage.JobType {
	if len(w.cfg.JobTypes) == 0 {
		types := make([]storage.JobType, 0, len(w.handlers))
		for jobType := range w.handlers {
			types = append(types, jobType)
		}
		return types
	}
	var types []storage.JobType
	for _, jobType := range w.cfg.JobTypes {
		if _, ok := w.handlers[jobType]; ok {
			types = append(types, jobType)
		}
	}
	return types
}

func (w *Worker) leaseBudget() time.Duration {
	lease := time.Duration(w.cfg.LeaseSeconds) * time.Second
	if lease > 10*time.Second {
		return lease - 5*time.Second
	}
	return lease
}

// reportContext detaches outcome writes from handler cancellation so a
// timed-out handler still gets its failure recorded.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
