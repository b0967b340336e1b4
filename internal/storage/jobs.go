package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is applied when an enqueued job does not specify its own
// attempt limit.
const DefaultMaxAttempts = 5

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 15 * time.Minute
)

const jobColumns = `id, document_id, job_type, status, payload, idempotency_key, next_run_at, lease_owner, lease_expires_at, attempt, max_attempts, last_error, created_at, updated_at`

// JobRepository is the durable job store. All cross-worker coordination goes
// through its conditional updates; no other locking exists.
type JobRepository struct {
	db     DB
	driver string
}

// NewJobRepository creates a new job repository for the given driver.
func NewJobRepository(db DB, driver string) *JobRepository {
	return &JobRepository{db: db, driver: driver}
}

// Enqueue inserts a job, deduplicating on its idempotency key. If a job with
// the same key already exists it is returned unchanged regardless of status,
// and created reports false. This is the sole defense against duplicate
// enqueue from retried client calls or overlapping orchestrator invocations.
func (r *JobRepository) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("enqueue job: %w: empty idempotency key", ErrConflict)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.Status = JobStatusQueued
	job.Attempt = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, document_id, job_type, status, payload, idempotency_key, next_run_at, attempt, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID, job.DocumentID, job.JobType, job.Status, job.Payload, job.IdempotencyKey,
		job.NextRunAt, job.MaxAttempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	if affected > 0 {
		return job, true, nil
	}

	existing, err := r.GetByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("load deduplicated job: %w", err)
	}
	return existing, false, nil
}

// ClaimBatch atomically transitions up to maxBatch claimable jobs of the
// given type to processing, owned by ownerID with a lease of leaseSeconds.
// A single conditional update makes this safe under concurrent callers; on
// Postgres the candidate select additionally skips rows locked by a
// concurrent claim. Orphaned leases (processing with an expired lease) are
// reclaimed here, which is the system's only crash recovery path.
func (r *JobRepository) ClaimBatch(ctx context.Context, jobType JobType, ownerID string, leaseSeconds, maxBatch int) ([]*Job, error) {
	if maxBatch <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	leaseExpiry := now.Add(time.Duration(leaseSeconds) * time.Second)

	candidates := `
		SELECT id FROM jobs
		WHERE job_type = $4
		  AND ((status = 'queued' AND next_run_at <= $5)
		    OR (status = 'processing' AND lease_expires_at < $5))
		ORDER BY next_run_at
		LIMIT $6`
	if r.driver == DriverPostgres {
		candidates += `
		FOR UPDATE SKIP LOCKED`
	}

	query := `
		UPDATE jobs SET
			status = 'processing',
			lease_owner = $1,
			lease_expires_at = $2,
			attempt = attempt + 1,
			updated_at = $3
		WHERE id IN (` + candidates + `)
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, ownerID, leaseExpiry, now, jobType, now, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Complete marks a job done. The update is conditional on the caller still
// holding the lease; ErrLeaseLost means the job expired and was reclaimed,
// so this worker's result must be considered superseded.
func (r *JobRepository) Complete(ctx context.Context, jobID uuid.UUID, ownerID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = $1
		WHERE id = $2 AND lease_owner = $3 AND status = 'processing'`,
		time.Now().UTC(), jobID, ownerID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a handler failure for a job the caller claimed. Retryable
// failures below the attempt limit reschedule the job with exponential
// backoff; everything else fails it terminally. The returned bool reports
// whether the failure was terminal.
func (r *JobRepository) Fail(ctx context.Context, job *Job, ownerID, errMsg string, retryable bool) (bool, error) {
	now := time.Now().UTC()
	terminal := !retryable || job.Attempt >= job.MaxAttempts

	var (
		res sql.Result
		err error
	)
	if terminal {
		res, err = r.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = $1, updated_at = $2
			WHERE id = $3 AND lease_owner = $4 AND status = 'processing'`,
			errMsg, now, job.ID, ownerID)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'queued', next_run_at = $1, lease_owner = NULL, lease_expires_at = NULL, last_error = $2, updated_at = $3
			WHERE id = $4 AND lease_owner = $5 AND status = 'processing'`,
			now.Add(retryDelay(job.Attempt)), errMsg, now, job.ID, ownerID)
	}
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return false, ErrLeaseLost
	}
	return terminal, nil
}

// Requeue resets a terminally failed job so workers pick it up again.
func (r *JobRepository) Requeue(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', next_run_at = $1, attempt = 0, lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = $1
		WHERE id = $2 AND status = 'failed'`,
		time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("requeue job %s: %w: job is not in failed state", jobID, ErrConflict)
	}
	return nil
}

// GetByID fetches a job by id.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetByIdempotencyKey fetches a job by its idempotency key.
func (r *JobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return job, nil
}

// HasActive reports whether a queued or processing job of the given type
// exists for the document. Expired leases still count as active; the next
// claim cycle will pick them up.
func (r *JobRepository) HasActive(ctx context.Context, documentID uuid.UUID, jobType JobType) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE document_id = $1 AND job_type = $2 AND status IN ('queued', 'processing')
		)`, documentID, jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active jobs for document %s: %w", documentID, err)
	}
	return exists, nil
}

// JobFilter narrows List. Zero values match everything.
type JobFilter struct {
	DocumentID uuid.UUID
	JobType    JobType
	Status     JobStatus
	Limit      int
}

// List returns jobs matching the filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`

	var (
		conds []string
		args  []interface{}
	)
	if filter.DocumentID != uuid.Nil {
		args = append(args, filter.DocumentID)
		conds = append(conds, fmt.Sprintf("document_id = $%d", len(args)))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// retryDelay returns the backoff before the given attempt is retried,
// doubling from 30s up to a 15m ceiling.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	d := retryBaseDelay << uint(attempt-1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

func scanJob(s rowScanner) (*Job, error) {
	var job Job
	err := s.Scan(&job.ID, &job.DocumentID, &job.JobType, &job.Status, jsonColumn{&job.Payload},
		&job.IdempotencyKey, &job.NextRunAt, &job.LeaseOwner, &job.LeaseExpiresAt,
		&job.Attempt, &job.MaxAttempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
