package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
	"github.com/spherical-ai/docpipe/internal/worker"
)

// Completer is the slice of the LLM client generation needs.
type Completer interface {
	Enabled() bool
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Content is the JSON stored on a completed output row. The coverage
// snapshot records how complete extraction was at generation time, so
// consumers can warn about partial input.
type Content struct {
	Text        string            `json:"text"`
	Model       string            `json:"model"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Coverage    coverage.Snapshot `json:"coverage"`
}

// Handler executes generate_output jobs. Every output-row write is guarded
// by the request id from the payload; losing that guard means a newer
// request superseded this job, which completes without writing.
type Handler struct {
	repos    *storage.Repositories
	llm      Completer
	coverage *coverage.Reconciler
	notifier *notify.Notifier
	logger   *observability.Logger
}

// NewHandler wires a generation handler for worker registration.
func NewHandler(repos *storage.Repositories, completer Completer, cov *coverage.Reconciler, notifier *notify.Notifier, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Handler{
		repos:    repos,
		llm:      completer,
		coverage: cov,
		notifier: notifier,
		logger:   logger.WithComponent("generate-handler"),
	}
}

// Handle implements worker.HandlerFunc for generate_output jobs.
func (h *Handler) Handle(ctx context.Context, job *storage.Job) error {
	var p storage.GeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if !Supported(p.OutputType) {
		return h.permanent(ctx, job, p, fmt.Errorf("unsupported output type %q", p.OutputType))
	}

	// Step 1: claim the output row for this request. A stale-request result
	// covers both a newer request owning the row and the row being gone;
	// either way this job has nothing left to write.
	err := h.repos.Outputs.MarkProcessing(ctx, job.DocumentID, p.OutputType, p.RequestID)
	switch {
	case errors.Is(err, storage.ErrStaleRequest):
		h.logger.Info().
			Str("document_id", job.DocumentID.String()).
			Str("output_type", string(p.OutputType)).
			Msg("Output request superseded, skipping")
		return nil
	case err != nil:
		return h.retryable(ctx, job, p, fmt.Errorf("mark processing: %w", err))
	}
	h.notifyStatus(ctx, job.DocumentID, p.OutputType)

	doc, err := h.repos.Documents.GetByID(ctx, job.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.permanent(ctx, job, p, fmt.Errorf("document %s: %w", job.DocumentID, err))
	}
	if err != nil {
		return h.retryable(ctx, job, p, fmt.Errorf("load document: %w", err))
	}

	snap, err := h.coverage.ForDocument(ctx, doc.ID, doc.PageCount)
	if err != nil {
		return h.retryable(ctx, job, p, fmt.Errorf("coverage: %w", err))
	}

	// Step 2: gather the extracted text.
	blocks, err := h.repos.Pages.ListBlocks(ctx, doc.ID)
	if err != nil {
		return h.retryable(ctx, job, p, fmt.Errorf("load blocks: %w", err))
	}
	if len(blocks) == 0 {
		active, err := h.repos.Jobs.HasActive(ctx, doc.ID, storage.JobTypeExtractText)
		if err != nil {
			return h.retryable(ctx, job, p, fmt.Errorf("check extraction: %w", err))
		}
		if active {
			// Backoff buys extraction time; partial pages would proceed.
			return h.retryable(ctx, job, p, errors.New("no extracted text yet, extraction in flight"))
		}
		return h.permanent(ctx, job, p, errors.New("document has no extractable text"))
	}

	// Step 3: compose.
	system, user := buildPrompt(p.OutputType, doc.Name, sourceText(blocks))
	text, err := h.llm.Complete(ctx, system, user)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) || llm.Transient(err) {
			return h.retryable(ctx, job, p, fmt.Errorf("llm: %w", err))
		}
		return h.permanent(ctx, job, p, fmt.Errorf("llm: %w", err))
	}

	content, _ := json.Marshal(Content{
		Text:        text,
		Model:       h.llm.Model(),
		GeneratedAt: time.Now().UTC(),
		Coverage:    snap,
	})

	// Step 4: publish the result, unless a newer request got there first.
	err = h.repos.Outputs.Complete(ctx, doc.ID, p.OutputType, p.RequestID, content)
	switch {
	case errors.Is(err, storage.ErrStaleRequest):
		h.logger.Info().
			Str("document_id", doc.ID.String()).
			Str("output_type", string(p.OutputType)).
			Msg("Output request superseded after generation, discarding result")
		return nil
	case err != nil:
		return h.retryable(ctx, job, p, fmt.Errorf("complete output: %w", err))
	}
	h.notifyStatus(ctx, doc.ID, p.OutputType)

	h.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("output_type", string(p.OutputType)).
		Int("chars", len(text)).
		Float64("coverage", snap.Ratio).
		Msg("Output generated")
	return nil
}

// retryable hands the error back for backoff, marking the output failed
// when no further attempt will come.
func (h *Handler) retryable(ctx context.Context, job *storage.Job, p storage.GeneratePayload, err error) error {
	if worker.FinalAttempt(job) {
		h.failOutput(ctx, job, p, err.Error())
	}
	return err
}

// permanent marks the output failed and stops retrying.
func (h *Handler) permanent(ctx context.Context, job *storage.Job, p storage.GeneratePayload, err error) error {
	h.failOutput(ctx, job, p, err.Error())
	return worker.Permanent(err)
}

func (h *Handler) failOutput(ctx context.Context, job *storage.Job, p storage.GeneratePayload, message string) {
	diag, _ := json.Marshal(map[string]int{"attempt": job.Attempt})
	err := h.repos.Outputs.Fail(ctx, job.DocumentID, p.OutputType, p.RequestID, message, diag)
	switch {
	case errors.Is(err, storage.ErrStaleRequest):
		// A newer request owns the row now; leave it alone.
	case err != nil:
		h.logger.Warn().
			Err(err).
			Str("document_id", job.DocumentID.String()).
			Str("output_type", string(p.OutputType)).
			Msg("Could not mark output failed")
	default:
		h.notifyStatus(ctx, job.DocumentID, p.OutputType)
	}
}

func (h *Handler) notifyStatus(ctx context.Context, documentID uuid.UUID, outputType storage.OutputType) {
	out, err := h.repos.Outputs.Get(ctx, documentID, outputType)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Skipping output notification")
		return
	}
	h.notifier.OutputChanged(ctx, out)
}
