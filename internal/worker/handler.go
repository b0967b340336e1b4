package worker

import (
	"context"
	"errors"

	"github.com/spherical-ai/docpipe/internal/storage"
)

// HandlerFunc executes one claimed job. A nil return completes the job; an
// error reschedules it with backoff unless wrapped with Permanent. Handlers
// run at-least-once and may be abandoned at lease expiry, so every write they
// make must be idempotent.
type HandlerFunc func(ctx context.Context, job *storage.Job) error

// PermanentError marks a handler failure that retrying cannot fix:
// unsupported input, validation failures, corrupt documents.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker fails the job terminally instead of
// retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// FinalAttempt reports whether a retryable failure of this claimed job would
// be terminal. Handlers use it to write their terminal side effects (e.g.
// marking an output row failed) on the last try.
func FinalAttempt(job *storage.Job) bool {
	return job.Attempt >= job.MaxAttempts
}
