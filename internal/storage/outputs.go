package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const outputColumns = `id, document_id, output_type, status, request_id, requested_at, options, job_id, content, error, created_at, updated_at`

// OutputRepository stores the single current output per
// (document, output type). Every mutation after the initial upsert is
// conditional on the request id, so a handler working for a superseded
// request can never overwrite a newer one's state.
type OutputRepository struct {
	db DB
}

// NewOutputRepository creates a new output repository.
func NewOutputRepository(db DB) *OutputRepository {
	return &OutputRepository{db: db}
}

// Upsert resets the output row for (document, output type) to queued under a
// fresh request id, creating it on first request. The row id is stable across
// resets; status, content and error always reset. Returns the current row.
func (r *OutputRepository) Upsert(ctx context.Context, out *DocumentOutput) (*DocumentOutput, error) {
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.RequestID == uuid.Nil {
		out.RequestID = uuid.New()
	}
	now := time.Now().UTC()
	if out.RequestedAt.IsZero() {
		out.RequestedAt = now
	}
	out.Status = OutputStatusQueued

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO document_outputs (id, document_id, output_type, status, request_id, requested_at, options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (document_id, output_type) DO UPDATE SET
			status = excluded.status,
			request_id = excluded.request_id,
			requested_at = excluded.requested_at,
			options = excluded.options,
			job_id = NULL,
			content = NULL,
			error = NULL,
			updated_at = excluded.updated_at
		RETURNING `+outputColumns,
		out.ID, out.DocumentID, out.OutputType, out.Status, out.RequestID,
		out.RequestedAt, out.Options, now)

	current, err := scanOutput(row)
	if err != nil {
		return nil, fmt.Errorf("upsert output %s for document %s: %w", out.OutputType, out.DocumentID, err)
	}
	return current, nil
}

// SetJobID records the generation job backing the current request.
func (r *OutputRepository) SetJobID(ctx context.Context, documentID uuid.UUID, outputType OutputType, requestID, jobID uuid.UUID) error {
	return r.guardedUpdate(ctx, documentID, outputType, requestID, `
		UPDATE document_outputs SET job_id = $1, updated_at = $2
		WHERE document_id = $3 AND output_type = $4 AND request_id = $5`,
		jobID, time.Now().UTC(), documentID, outputType, requestID)
}

// MarkProcessing transitions the current request's row to processing.
func (r *OutputRepository) MarkProcessing(ctx context.Context, documentID uuid.UUID, outputType OutputType, requestID uuid.UUID) error {
	return r.guardedUpdate(ctx, documentID, outputType, requestID, `
		UPDATE document_outputs SET status = 'processing', updated_at = $1
		WHERE document_id = $2 AND output_type = $3 AND request_id = $4`,
		time.Now().UTC(), documentID, outputType, requestID)
}

// Complete stores the generated content for the current request.
func (r *OutputRepository) Complete(ctx context.Context, documentID uuid.UUID, outputType OutputType, requestID uuid.UUID, content json.RawMessage) error {
	return r.guardedUpdate(ctx, documentID, outputType, requestID, `
		UPDATE document_outputs SET status = 'completed', content = $1, error = NULL, updated_at = $2
		WHERE document_id = $3 AND output_type = $4 AND request_id = $5`,
		content, time.Now().UTC(), documentID, outputType, requestID)
}

// Fail marks the current request's row failed with a message and an optional
// diagnostic payload, so clients see a terminal error instead of a row stuck
// in queued.
func (r *OutputRepository) Fail(ctx context.Context, documentID uuid.UUID, outputType OutputType, requestID uuid.UUID, message string, diagnostic json.RawMessage) error {
	return r.guardedUpdate(ctx, documentID, outputType, requestID, `
		UPDATE document_outputs SET status = 'failed', error = $1, content = $2, updated_at = $3
		WHERE document_id = $4 AND output_type = $5 AND request_id = $6`,
		message, diagnostic, time.Now().UTC(), documentID, outputType, requestID)
}

// Get fetches the current output row for (document, output type).
func (r *OutputRepository) Get(ctx context.Context, documentID uuid.UUID, outputType OutputType) (*DocumentOutput, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+outputColumns+` FROM document_outputs WHERE document_id = $1 AND output_type = $2`,
		documentID, outputType)

	out, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output %s for document %s: %w", outputType, documentID, err)
	}
	return out, nil
}

// ListByDocument returns all output rows for a document.
func (r *OutputRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*DocumentOutput, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outputColumns+` FROM document_outputs WHERE document_id = $1 ORDER BY output_type`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list outputs for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var outs []*DocumentOutput
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outs = append(outs, out)
	}
	return outs, rows.Err()
}

// guardedUpdate runs an update whose WHERE clause includes the request id.
// Zero rows affected means a newer request superseded this one.
func (r *OutputRepository) guardedUpdate(ctx context.Context, documentID uuid.UUID, outputType OutputType, requestID uuid.UUID, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update output %s for document %s: %w", outputType, documentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update output %s for document %s: %w", outputType, documentID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update output %s for document %s (request %s): %w", outputType, documentID, requestID, ErrStaleRequest)
	}
	return nil
}

func scanOutput(s rowScanner) (*DocumentOutput, error) {
	var out DocumentOutput
	err := s.Scan(&out.ID, &out.DocumentID, &out.OutputType, &out.Status, &out.RequestID,
		&out.RequestedAt, jsonColumn{&out.Options}, &out.JobID, jsonColumn{&out.Content}, &out.Error,
		&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
