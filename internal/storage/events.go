package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobEventRepository stores the job audit trail. Writes arrive batched from
// the async event writer; reads back the per-job history for operators.
type JobEventRepository struct {
	db DB
}

// NewJobEventRepository creates a new job event repository.
func NewJobEventRepository(db DB) *JobEventRepository {
	return &JobEventRepository{db: db}
}

// Insert records a single job event.
func (r *JobEventRepository) Insert(ctx context.Context, ev *JobEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, document_id, event, owner, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.JobID, ev.DocumentID, ev.Event, ev.Owner, ev.Detail, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// InsertBatch records a batch of job events in a single statement.
func (r *JobEventRepository) InsertBatch(ctx context.Context, events []*JobEvent) error {
	if len(events) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`INSERT INTO job_events (job_id, document_id, event, owner, detail, occurred_at) VALUES `)
	for i, ev := range events {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, ev.JobID, ev.DocumentID, ev.Event, ev.Owner, ev.Detail, ev.OccurredAt)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d job events: %w", len(events), err)
	}
	return nil
}

// ListByJob returns a job's events in occurrence order.
func (r *JobEventRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*JobEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, document_id, event, owner, detail, occurred_at
		FROM job_events WHERE job_id = $1 ORDER BY occurred_at, id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list events for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []*JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.DocumentID, &ev.Event,
			&ev.Owner, &ev.Detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
