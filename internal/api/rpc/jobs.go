// Package rpc exposes the trusted job management surface over Connect.
// Internal services use it to enqueue raw jobs, inspect job state, and
// requeue failed jobs without going through the document output flow.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Procedure paths, mounted on the API router behind the service-token guard.
const (
	EnqueueProcedure = "/docpipe.v1.JobService/Enqueue"
	GetProcedure     = "/docpipe.v1.JobService/Get"
	RetryProcedure   = "/docpipe.v1.JobService/Retry"
)

// EventRecorder receives job lifecycle events for the audit trail.
type EventRecorder interface {
	Record(event storage.JobEvent)
}

// JobService implements the Connect job management service.
type JobService struct {
	repos    *storage.Repositories
	recorder EventRecorder
	logger   *observability.Logger
}

// NewJobService creates a new job service. recorder may be nil.
func NewJobService(repos *storage.Repositories, recorder EventRecorder, logger *observability.Logger) *JobService {
	if logger == nil {
		logger = observability.Nop()
	}
	return &JobService{
		repos:    repos,
		recorder: recorder,
		logger:   logger.WithComponent("rpc"),
	}
}

// Handlers returns the Connect handlers keyed by procedure path.
func (s *JobService) Handlers() map[string]http.Handler {
	return map[string]http.Handler{
		EnqueueProcedure: connect.NewUnaryHandler(EnqueueProcedure, s.Enqueue),
		GetProcedure:     connect.NewUnaryHandler(GetProcedure, s.Get),
		RetryProcedure:   connect.NewUnaryHandler(RetryProcedure, s.Retry),
	}
}

// EnqueueRequest represents the Connect request message for Enqueue.
type EnqueueRequest struct {
	DocumentID     string          `json:"document_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	RunAt          string          `json:"run_at,omitempty"`
	MaxAttempts    int32           `json:"max_attempts,omitempty"`
}

// EnqueueResponse represents the Connect response message for Enqueue.
// Created is false when the idempotency key matched an existing job.
type EnqueueResponse struct {
	Job     *JobMessage `json:"job"`
	Created bool        `json:"created"`
}

// GetRequest represents the Connect request message for Get.
type GetRequest struct {
	JobID string `json:"job_id"`
}

// GetResponse represents the Connect response message for Get.
type GetResponse struct {
	Job *JobMessage `json:"job"`
}

// RetryRequest represents the Connect request message for Retry.
type RetryRequest struct {
	JobID string `json:"job_id"`
}

// RetryResponse represents the Connect response message for Retry.
type RetryResponse struct {
	Job *JobMessage `json:"job"`
}

// JobMessage is the wire representation of a job.
type JobMessage struct {
	JobID          string          `json:"job_id"`
	DocumentID     string          `json:"document_id"`
	JobType        string          `json:"job_type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	NextRunAt      string          `json:"next_run_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt string          `json:"lease_expires_at,omitempty"`
	Attempt        int32           `json:"attempt"`
	MaxAttempts    int32           `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// Enqueue inserts a job, deduplicating on the idempotency key.
func (s *JobService) Enqueue(ctx context.Context, req *connect.Request[EnqueueRequest]) (*connect.Response[EnqueueResponse], error) {
	msg := req.Msg

	documentID, err := uuid.Parse(msg.DocumentID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid document_id"))
	}
	jobType := storage.JobType(msg.JobType)
	if jobType != storage.JobTypeExtractText && jobType != storage.JobTypeGenerateOutput {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("unknown job_type"))
	}
	if msg.IdempotencyKey == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("idempotency_key is required"))
	}

	job := &storage.Job{
		DocumentID:     documentID,
		JobType:        jobType,
		Payload:        msg.Payload,
		IdempotencyKey: msg.IdempotencyKey,
		MaxAttempts:    int(msg.MaxAttempts),
	}
	if msg.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, msg.RunAt)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("run_at must be RFC 3339"))
		}
		job.NextRunAt = runAt
	}

	job, created, err := s.repos.Jobs.Enqueue(ctx, job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_type", msg.JobType).Msg("RPC enqueue failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if created {
		s.record(job, storage.JobEventEnqueued)
		s.logger.Info().
			Str("job_id", job.ID.String()).
			Str("job_type", string(job.JobType)).
			Str("document_id", job.DocumentID.String()).
			Msg("Job enqueued via RPC")
	}

	return connect.NewResponse(&EnqueueResponse{Job: toJobMessage(job), Created: created}), nil
}

// Get returns the current state of a job.
func (s *JobService) Get(ctx context.Context, req *connect.Request[GetRequest]) (*connect.Response[GetResponse], error) {
	jobID, err := uuid.Parse(req.Msg.JobID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid job_id"))
	}

	job, err := s.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&GetResponse{Job: toJobMessage(job)}), nil
}

// Retry moves a failed job back to queued with its attempt counter reset.
func (s *JobService) Retry(ctx context.Context, req *connect.Request[RetryRequest]) (*connect.Response[RetryResponse], error) {
	jobID, err := uuid.Parse(req.Msg.JobID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid job_id"))
	}

	if err := s.repos.Jobs.Requeue(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, connect.NewError(connect.CodeNotFound, err)
		case errors.Is(err, storage.ErrConflict):
			return nil, connect.NewError(connect.CodeFailedPrecondition, err)
		default:
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}

	job, err := s.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	s.record(job, storage.JobEventRequeued)
	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.JobType)).
		Msg("Job requeued via RPC")

	return connect.NewResponse(&RetryResponse{Job: toJobMessage(job)}), nil
}

func (s *JobService) record(job *storage.Job, event storage.JobEventType) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(storage.JobEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Event:      event,
		OccurredAt: time.Now().UTC(),
	})
}

func toJobMessage(job *storage.Job) *JobMessage {
	m := &JobMessage{
		JobID:          job.ID.String(),
		DocumentID:     job.DocumentID.String(),
		JobType:        string(job.JobType),
		Status:         string(job.Status),
		Payload:        job.Payload,
		IdempotencyKey: job.IdempotencyKey,
		NextRunAt:      job.NextRunAt.UTC().Format(time.RFC3339Nano),
		Attempt:        int32(job.Attempt),
		MaxAttempts:    int32(job.MaxAttempts),
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.LeaseOwner != nil {
		m.LeaseOwner = *job.LeaseOwner
	}
	if job.LeaseExpiresAt != nil {
		m.LeaseExpiresAt = job.LeaseExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if job.LastError != nil {
		m.LastError = *job.LastError
	}
	return m
}
