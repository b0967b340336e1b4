package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
	"github.com/spherical-ai/docpipe/internal/worker"
)

// Downloader fetches document bytes by storage path.
type Downloader interface {
	Download(ctx context.Context, storagePath string) ([]byte, error)
}

// Handler executes extract_text jobs: download the document, extract pages,
// persist pages and blocks. Re-running a job replaces prior rows, so a crash
// mid-write heals on the next attempt.
type Handler struct {
	repos     *storage.Repositories
	blobs     Downloader
	extractor *Extractor
	logger    *observability.Logger
}

// NewHandler wires an extraction handler for worker registration.
func NewHandler(repos *storage.Repositories, blobs Downloader, extractor *Extractor, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Handler{
		repos:     repos,
		blobs:     blobs,
		extractor: extractor,
		logger:    logger.WithComponent("extract-handler"),
	}
}

// Handle implements worker.HandlerFunc for extract_text jobs.
func (h *Handler) Handle(ctx context.Context, job *storage.Job) error {
	doc, err := h.repos.Documents.GetByID(ctx, job.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return worker.Permanent(fmt.Errorf("document %s: %w", job.DocumentID, err))
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	var payload storage.ExtractPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return worker.Permanent(fmt.Errorf("decode payload: %w", err))
		}
	}

	storagePath := resolveStoragePath(doc, payload)
	if storagePath == "" {
		return worker.Permanent(fmt.Errorf("document %s has no storage path", doc.ID))
	}

	// Step 1: fetch the bytes. Transient storage trouble retries.
	data, err := h.blobs.Download(ctx, storagePath)
	if err != nil {
		return fmt.Errorf("download %s: %w", storagePath, err)
	}

	// Step 2: extract.
	res, err := h.extractor.Extract(ctx, Input{
		Name:     doc.Name,
		FileType: doc.FileType,
		Data:     data,
	})
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrMalformed) {
		return worker.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	// Step 3: persist page by page.
	done, failed := 0, 0
	for _, page := range res.Pages {
		if err := h.persistPage(ctx, doc, page); err != nil {
			return fmt.Errorf("persist page %d: %w", page.Index, err)
		}
		if page.Err != nil {
			failed++
		} else {
			done++
		}
	}

	h.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("method", string(res.Method)).
		Int("pages_done", done).
		Int("pages_failed", failed).
		Msg("Extraction complete")
	return nil
}

func (h *Handler) persistPage(ctx context.Context, doc *storage.Document, page Page) error {
	row := &storage.DocumentPage{
		DocumentID: doc.ID,
		PageIndex:  page.Index,
		Status:     storage.PageStatusDone,
		Method:     page.Method,
		TextLength: textLength(page.Blocks),
	}
	if page.Err != nil {
		row.Status = storage.PageStatusFailed
		msg := page.Err.Error()
		row.Error = &msg
	}
	if err := h.repos.Pages.UpsertPage(ctx, row); err != nil {
		return err
	}

	blocks := make([]*storage.PageBlock, 0, len(page.Blocks))
	for i, b := range page.Blocks {
		blocks = append(blocks, &storage.PageBlock{
			DocumentID: doc.ID,
			PageIndex:  page.Index,
			BlockIndex: i,
			BlockType:  b.Type,
			Text:       b.Text,
			Data:       b.Data,
			Confidence: b.Confidence,
		})
	}
	// Replace even when empty so a re-extract clears stale blocks.
	return h.repos.Pages.ReplaceBlocks(ctx, doc.ID, page.Index, blocks)
}

// resolveStoragePath prefers the document's current path, then the path
// captured at enqueue time, then the legacy location.
func resolveStoragePath(doc *storage.Document, payload storage.ExtractPayload) string {
	if doc.StoragePath != nil && *doc.StoragePath != "" {
		return *doc.StoragePath
	}
	if payload.StoragePath != "" {
		return payload.StoragePath
	}
	if doc.LegacyStoragePath != nil && *doc.LegacyStoragePath != "" {
		return *doc.LegacyStoragePath
	}
	return ""
}
