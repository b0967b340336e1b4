// Package outputs orchestrates output generation requests. RequestOutput is
// the write path: it authorizes the caller, makes sure extraction is running
// or caught up, resets the single output row for (document, output type)
// under a fresh request id, and enqueues the generation job. It returns as
// soon as the jobs are enqueued; callers observe progress through the read
// methods or the notification channel.
package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/generate"
	"github.com/spherical-ai/docpipe/internal/locator"
	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Domain errors. The API edge maps these onto HTTP status codes.
var (
	// ErrNotAuthorized means the caller has no access to the document.
	ErrNotAuthorized = errors.New("not authorized for document")

	// ErrInvalidRequest means the request itself is malformed (missing
	// document id, unsupported output type).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEnqueueFailed means a job store write failed.
	ErrEnqueueFailed = errors.New("enqueue failed")
)

// notReadyGenerationDelay schedules generation slightly into the future when
// extraction has not caught up, so the first handler run usually finds text.
const notReadyGenerationDelay = 30 * time.Second

// Caller identifies an authenticated caller. Service callers act on behalf
// of the system and bypass the document owner check.
type Caller struct {
	ID      string
	Service bool
}

// Request describes one output generation request.
type Request struct {
	DocumentID uuid.UUID
	OutputType storage.OutputType
	Options    json.RawMessage

	// RequestID pins retried calls to one generation run. Left zero, the
	// server mints a fresh id and the call acts as a regenerate.
	RequestID uuid.UUID
}

// Receipt identifies the enqueued work. Generation runs asynchronously; the
// caller polls or subscribes for progress.
type Receipt struct {
	OutputID  uuid.UUID `json:"outputId"`
	JobID     uuid.UUID `json:"jobId"`
	RequestID uuid.UUID `json:"requestId"`
}

// EventRecorder receives job audit events. Recording is best-effort.
type EventRecorder interface {
	Record(event storage.JobEvent)
}

// Service is the output orchestrator plus the document-scoped read surface
// behind it. All methods authorize against the document owner.
type Service struct {
	repos    *storage.Repositories
	coverage *coverage.Reconciler
	locator  *locator.Locator
	notifier *notify.Notifier
	recorder EventRecorder
	logger   *observability.Logger
}

// NewService wires the orchestrator. notifier, recorder and logger may be
// nil.
func NewService(repos *storage.Repositories, cov *coverage.Reconciler, loc *locator.Locator, notifier *notify.Notifier, recorder EventRecorder, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Nop()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Service{
		repos:    repos,
		coverage: cov,
		locator:  loc,
		notifier: notifier,
		recorder: recorder,
		logger:   logger.WithComponent("outputs"),
	}
}

// RequestOutput enqueues generation of one output type for a document,
// triggering extraction first when coverage is not ready. Repeated calls
// with the same RequestID are idempotent; calls without one always reset
// the output row and start a fresh generation.
func (s *Service) RequestOutput(ctx context.Context, caller Caller, req Request) (*Receipt, error) {
	if req.DocumentID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing document id", ErrInvalidRequest)
	}
	if !generate.Supported(req.OutputType) {
		return nil, fmt.Errorf("%w: unsupported output type %q", ErrInvalidRequest, req.OutputType)
	}

	doc, err := s.loadAuthorized(ctx, caller, req.DocumentID)
	if err != nil {
		return nil, err
	}

	// A retried request id returns the original receipt without disturbing
	// whatever state that run has reached since.
	if req.RequestID != uuid.Nil {
		if receipt := s.existingReceipt(ctx, req); receipt != nil {
			return receipt, nil
		}
	}

	storagePath := s.backfillStoragePath(ctx, doc)

	snap, err := s.coverage.ForDocument(ctx, doc.ID, doc.PageCount)
	if err != nil {
		return nil, fmt.Errorf("compute coverage: %w", err)
	}
	if !snap.Ready() {
		if err := s.enqueueExtraction(ctx, doc, storagePath); err != nil {
			return nil, err
		}
	}

	out, err := s.repos.Outputs.Upsert(ctx, &storage.DocumentOutput{
		DocumentID: doc.ID,
		OutputType: req.OutputType,
		RequestID:  req.RequestID,
		Options:    req.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert output row: %w", err)
	}

	genJob, err := s.enqueueGeneration(ctx, doc, out, snap.Ready())
	if err != nil {
		s.failOutput(ctx, out, err)
		return nil, fmt.Errorf("enqueue generation: %w: %v", ErrEnqueueFailed, err)
	}

	err = s.repos.Outputs.SetJobID(ctx, doc.ID, out.OutputType, out.RequestID, genJob.ID)
	if err != nil && !errors.Is(err, storage.ErrStaleRequest) {
		s.logger.Warn().
			Err(err).
			Str("document_id", doc.ID.String()).
			Str("output_type", string(out.OutputType)).
			Msg("Could not record generation job on output row")
	}
	s.notifyStatus(ctx, doc.ID, out.OutputType)

	s.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("output_type", string(out.OutputType)).
		Str("request_id", out.RequestID.String()).
		Str("job_id", genJob.ID.String()).
		Float64("coverage", snap.Ratio).
		Msg("Output requested")

	return &Receipt{OutputID: out.ID, JobID: genJob.ID, RequestID: out.RequestID}, nil
}

// GetOutput returns the current output row for (document, output type).
func (s *Service) GetOutput(ctx context.Context, caller Caller, documentID uuid.UUID, outputType storage.OutputType) (*storage.DocumentOutput, error) {
	if _, err := s.loadAuthorized(ctx, caller, documentID); err != nil {
		return nil, err
	}
	return s.repos.Outputs.Get(ctx, documentID, outputType)
}

// ListOutputs returns all output rows for a document.
func (s *Service) ListOutputs(ctx context.Context, caller Caller, documentID uuid.UUID) ([]*storage.DocumentOutput, error) {
	if _, err := s.loadAuthorized(ctx, caller, documentID); err != nil {
		return nil, err
	}
	return s.repos.Outputs.ListByDocument(ctx, documentID)
}

// Coverage returns the document's extraction coverage snapshot.
func (s *Service) Coverage(ctx context.Context, caller Caller, documentID uuid.UUID) (coverage.Snapshot, error) {
	doc, err := s.loadAuthorized(ctx, caller, documentID)
	if err != nil {
		return coverage.Snapshot{}, err
	}
	return s.coverage.ForDocument(ctx, doc.ID, doc.PageCount)
}

// Pages returns the document's per-page extraction records.
func (s *Service) Pages(ctx context.Context, caller Caller, documentID uuid.UUID) ([]*storage.DocumentPage, error) {
	if _, err := s.loadAuthorized(ctx, caller, documentID); err != nil {
		return nil, err
	}
	return s.repos.Pages.ListPages(ctx, documentID)
}

// Locate maps a topic to a page. Found is false when the topic could not be
// located; the caller decides the fallback page.
func (s *Service) Locate(ctx context.Context, caller Caller, documentID uuid.UUID, topic string) (page int, found bool, err error) {
	if _, err := s.loadAuthorized(ctx, caller, documentID); err != nil {
		return 0, false, err
	}
	return s.locator.FindPage(ctx, documentID, topic)
}

// Authorize checks read access to a document without returning anything.
// The event stream endpoint uses it before subscribing.
func (s *Service) Authorize(ctx context.Context, caller Caller, documentID uuid.UUID) error {
	_, err := s.loadAuthorized(ctx, caller, documentID)
	return err
}

func (s *Service) loadAuthorized(ctx context.Context, caller Caller, documentID uuid.UUID) (*storage.Document, error) {
	doc, err := s.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !caller.Service && doc.OwnerID != caller.ID {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotAuthorized)
	}
	return doc, nil
}

// existingReceipt resolves a retried request id against the current row. Only
// a row still owned by that request id with its generation job recorded
// counts; anything else falls through to the full path, whose writes are
// idempotent for the same request id.
func (s *Service) existingReceipt(ctx context.Context, req Request) *Receipt {
	out, err := s.repos.Outputs.Get(ctx, req.DocumentID, req.OutputType)
	if err != nil || out.RequestID != req.RequestID || out.JobID == nil {
		return nil
	}
	return &Receipt{OutputID: out.ID, JobID: *out.JobID, RequestID: out.RequestID}
}

// backfillStoragePath resolves the document's storage path, copying the
// legacy location forward when the current field is empty. The write is
// best-effort; extraction still gets the resolved value either way.
func (s *Service) backfillStoragePath(ctx context.Context, doc *storage.Document) string {
	if doc.StoragePath != nil && *doc.StoragePath != "" {
		return *doc.StoragePath
	}
	if doc.LegacyStoragePath == nil || *doc.LegacyStoragePath == "" {
		return ""
	}

	legacy := *doc.LegacyStoragePath
	if err := s.repos.Documents.UpdateStoragePath(ctx, doc.ID, legacy); err != nil {
		s.logger.Warn().
			Err(err).
			Str("document_id", doc.ID.String()).
			Msg("Could not backfill storage path from legacy field")
	} else {
		doc.StoragePath = &legacy
	}
	return legacy
}

// enqueueExtraction enqueues extract_text keyed on the document version, so
// repeated requests while extraction is catching up never double-enqueue.
func (s *Service) enqueueExtraction(ctx context.Context, doc *storage.Document, storagePath string) error {
	payload, _ := json.Marshal(storage.ExtractPayload{StoragePath: storagePath})
	key := storage.IdempotencyKey(
		string(storage.JobTypeExtractText),
		doc.ID.String(),
		storagePath,
		strconv.FormatInt(doc.FileSize, 10),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)

	job, created, err := s.repos.Jobs.Enqueue(ctx, &storage.Job{
		DocumentID:     doc.ID,
		JobType:        storage.JobTypeExtractText,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("enqueue extraction: %w: %v", ErrEnqueueFailed, err)
	}
	if created {
		s.recordEnqueued(job)
		s.logger.Info().
			Str("document_id", doc.ID.String()).
			Str("job_id", job.ID.String()).
			Msg("Extraction enqueued")
	}
	return nil
}

// enqueueGeneration enqueues generate_output keyed on (output, request), so
// a retried call reuses the job while a regenerate gets a new one.
func (s *Service) enqueueGeneration(ctx context.Context, doc *storage.Document, out *storage.DocumentOutput, ready bool) (*storage.Job, error) {
	payload, _ := json.Marshal(storage.GeneratePayload{
		OutputID:   out.ID,
		OutputType: out.OutputType,
		RequestID:  out.RequestID,
		Options:    out.Options,
	})
	job := &storage.Job{
		DocumentID: doc.ID,
		JobType:    storage.JobTypeGenerateOutput,
		Payload:    payload,
		IdempotencyKey: storage.IdempotencyKey(
			string(storage.JobTypeGenerateOutput),
			out.ID.String(),
			out.RequestID.String(),
		),
	}
	if !ready {
		job.NextRunAt = time.Now().UTC().Add(notReadyGenerationDelay)
	}

	job, created, err := s.repos.Jobs.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	if created {
		s.recordEnqueued(job)
	}
	return job, nil
}

// failOutput marks the row failed after an enqueue error, so the client sees
// a terminal state instead of a row stuck in queued.
func (s *Service) failOutput(ctx context.Context, out *storage.DocumentOutput, cause error) {
	diag, _ := json.Marshal(map[string]string{"error": cause.Error()})
	err := s.repos.Outputs.Fail(ctx, out.DocumentID, out.OutputType, out.RequestID, "could not enqueue generation job", diag)
	switch {
	case errors.Is(err, storage.ErrStaleRequest):
		// A newer request owns the row now; leave it alone.
	case err != nil:
		s.logger.Warn().
			Err(err).
			Str("document_id", out.DocumentID.String()).
			Str("output_type", string(out.OutputType)).
			Msg("Could not mark output failed")
	default:
		s.notifyStatus(ctx, out.DocumentID, out.OutputType)
	}
}

func (s *Service) notifyStatus(ctx context.Context, documentID uuid.UUID, outputType storage.OutputType) {
	out, err := s.repos.Outputs.Get(ctx, documentID, outputType)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Skipping output notification")
		return
	}
	s.notifier.OutputChanged(ctx, out)
}

func (s *Service) recordEnqueued(job *storage.Job) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(storage.JobEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Event:      storage.JobEventEnqueued,
		OccurredAt: time.Now().UTC(),
	})
}
