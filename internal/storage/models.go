// Package storage provides database models and repositories for the document
// processing pipeline.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType identifies which handler executes a job.
type JobType string

const (
	JobTypeExtractText    JobType = "extract_text"
	JobTypeGenerateOutput JobType = "generate_output"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// PageStatus represents the extraction outcome for a single page.
type PageStatus string

const (
	PageStatusDone   PageStatus = "done"
	PageStatusFailed PageStatus = "failed"
)

// ExtractionMethod records which technique produced a page's text.
type ExtractionMethod string

const (
	MethodDocAI      ExtractionMethod = "docai"
	MethodNativeText ExtractionMethod = "native_text"
	MethodPageOCR    ExtractionMethod = "page_ocr"
	MethodOfficeXML  ExtractionMethod = "office_xml"
	MethodDirectRead ExtractionMethod = "direct_read"
)

// BlockType represents the structural role of a page block.
type BlockType string

const (
	BlockTypeParagraph    BlockType = "paragraph"
	BlockTypeHeading      BlockType = "heading"
	BlockTypeText         BlockType = "text"
	BlockTypeTable        BlockType = "table"
	BlockTypeSpeakerNotes BlockType = "speaker_notes"
	BlockTypeOCR          BlockType = "ocr"
	BlockTypePageOCR      BlockType = "page_ocr"
	BlockTypeImageOCR     BlockType = "image_ocr"
)

// OutputType identifies a derived-output flavor.
type OutputType string

const (
	OutputTypeDeepExplanation OutputType = "deep_explanation"
	OutputTypeSummary         OutputType = "summary"
)

// OutputStatus represents the lifecycle state of a document output.
type OutputStatus string

const (
	OutputStatusQueued     OutputStatus = "queued"
	OutputStatusProcessing OutputStatus = "processing"
	OutputStatusCompleted  OutputStatus = "completed"
	OutputStatusFailed     OutputStatus = "failed"
)

// JobEventType represents audit trail events on a job.
type JobEventType string

const (
	JobEventEnqueued  JobEventType = "enqueued"
	JobEventClaimed   JobEventType = "claimed"
	JobEventCompleted JobEventType = "completed"
	JobEventRetried   JobEventType = "retried"
	JobEventFailed    JobEventType = "failed"
	JobEventRequeued  JobEventType = "requeued"
)

// Document represents an uploaded document's metadata. The stored PageCount
// comes from upload-time metadata and may be wrong for some office formats;
// coverage reconciliation resolves it against actually-extracted pages.
type Document struct {
	ID                uuid.UUID `json:"id" db:"id"`
	OwnerID           string    `json:"owner_id" db:"owner_id"`
	Name              string    `json:"name" db:"name"`
	FileType          string    `json:"file_type" db:"file_type"`
	FileSize          int64     `json:"file_size" db:"file_size"`
	PageCount         int       `json:"page_count" db:"page_count"`
	StoragePath       *string   `json:"storage_path,omitempty" db:"storage_path"`
	LegacyStoragePath *string   `json:"legacy_storage_path,omitempty" db:"legacy_storage_path"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Job represents a unit of deferred work. At most one row exists per
// IdempotencyKey. A job is claimable iff status=queued and next_run_at<=now,
// or status=processing and lease_expires_at<now.
type Job struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	DocumentID     uuid.UUID       `json:"document_id" db:"document_id"`
	JobType        JobType         `json:"job_type" db:"job_type"`
	Status         JobStatus       `json:"status" db:"status"`
	Payload        json.RawMessage `json:"payload,omitempty" db:"payload"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	NextRunAt      time.Time       `json:"next_run_at" db:"next_run_at"`
	LeaseOwner     *string         `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Attempt        int             `json:"attempt" db:"attempt"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	LastError      *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// DocumentPage represents one extracted page. PageIndex is 1-based. Unique
// per (document_id, page_index); written only by the extraction handler.
type DocumentPage struct {
	DocumentID uuid.UUID        `json:"document_id" db:"document_id"`
	PageIndex  int              `json:"page_index" db:"page_index"`
	Status     PageStatus       `json:"status" db:"status"`
	Method     ExtractionMethod `json:"method" db:"method"`
	TextLength int              `json:"text_length" db:"text_length"`
	Error      *string          `json:"error,omitempty" db:"error"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// PageBlock represents a structural fragment of a page. BlockIndex defines
// reading order within the page and is stable once written.
type PageBlock struct {
	DocumentID uuid.UUID       `json:"document_id" db:"document_id"`
	PageIndex  int             `json:"page_index" db:"page_index"`
	BlockIndex int             `json:"block_index" db:"block_index"`
	BlockType  BlockType       `json:"block_type" db:"block_type"`
	Text       string          `json:"text" db:"text"`
	Data       json.RawMessage `json:"data,omitempty" db:"data"`
	Confidence float64         `json:"confidence" db:"confidence"`
}

// DocumentOutput represents the single current result of generating
// OutputType for a document. Exactly one row exists per
// (document_id, output_type); re-requesting generation resets this row
// rather than creating a new one, so observers must tolerate status flipping
// from completed/failed back to queued.
type DocumentOutput struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	DocumentID  uuid.UUID       `json:"document_id" db:"document_id"`
	OutputType  OutputType      `json:"output_type" db:"output_type"`
	Status      OutputStatus    `json:"status" db:"status"`
	RequestID   uuid.UUID       `json:"request_id" db:"request_id"`
	RequestedAt time.Time       `json:"requested_at" db:"requested_at"`
	Options     json.RawMessage `json:"options,omitempty" db:"options"`
	JobID       *uuid.UUID      `json:"job_id,omitempty" db:"job_id"`
	Content     json.RawMessage `json:"content,omitempty" db:"content"`
	Error       *string         `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// JobEvent represents an audit trail event for a job.
type JobEvent struct {
	ID         int64        `json:"id" db:"id"`
	JobID      uuid.UUID    `json:"job_id" db:"job_id"`
	DocumentID uuid.UUID    `json:"document_id" db:"document_id"`
	Event      JobEventType `json:"event" db:"event"`
	Owner      *string      `json:"owner,omitempty" db:"owner"`
	Detail     *string      `json:"detail,omitempty" db:"detail"`
	OccurredAt time.Time    `json:"occurred_at" db:"occurred_at"`
}

// ExtractPayload is the payload of an extract_text job. StoragePath is the
// path at enqueue time; the handler prefers the document's current path so
// a backfilled document extracts from the right place.
type ExtractPayload struct {
	StoragePath string `json:"storagePath,omitempty"`
}

// GeneratePayload is the payload of a generate_output job. It pins the job
// to one output row and one request so a superseded handler can detect it
// lost the race.
type GeneratePayload struct {
	OutputID   uuid.UUID       `json:"outputId"`
	OutputType OutputType      `json:"outputType"`
	RequestID  uuid.UUID       `json:"requestId"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// IdempotencyKey derives a stable job key from its defining inputs. Two
// enqueues with the same inputs map to the same jobs row.
func IdempotencyKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
