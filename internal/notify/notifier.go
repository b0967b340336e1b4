// Package notify publishes output lifecycle events so clients can watch a
// document's outputs without polling. Events travel over Redis pub/sub; the
// API bridges them to SSE. Publishing is best-effort: the outputs table stays
// authoritative and a lost event only delays a watcher until its next poll.
package notify

import (
	"context"
	"time"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// Publisher sends a message to a named channel. *cache.RedisClient satisfies
// this; the message is JSON-marshaled by the implementation.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Subscriber receives messages from a named channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// OutputChannel returns the pub/sub channel for a document's output events.
// The cache client prepends its key prefix, so the wire channel is
// "docpipe:outputs:<documentId>".
func OutputChannel(documentID string) string {
	return "outputs:" + documentID
}

// OutputEvent is the wire form of an output row change.
type OutputEvent struct {
	OutputID   string    `json:"outputId"`
	DocumentID string    `json:"documentId"`
	OutputType string    `json:"outputType"`
	Status     string    `json:"status"`
	RequestID  string    `json:"requestId"`
	JobID      *string   `json:"jobId,omitempty"`
	Error      *string   `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EventFromOutput builds the wire event for an output row.
func EventFromOutput(out *storage.DocumentOutput) OutputEvent {
	ev := OutputEvent{
		OutputID:   out.ID.String(),
		DocumentID: out.DocumentID.String(),
		OutputType: string(out.OutputType),
		Status:     string(out.Status),
		RequestID:  out.RequestID.String(),
		Error:      out.Error,
		UpdatedAt:  out.UpdatedAt,
	}
	if out.JobID != nil {
		jobID := out.JobID.String()
		ev.JobID = &jobID
	}
	return ev
}

// Notifier publishes output events. A nil publisher makes every call a no-op,
// which is how deployments without Redis run.
type Notifier struct {
	pub    Publisher
	logger *observability.Logger
}

// NewNotifier creates a notifier backed by the given publisher.
func NewNotifier(pub Publisher, logger *observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Notifier{pub: pub, logger: logger.WithComponent("notify")}
}

// NewNop creates a notifier that drops every event.
func NewNop() *Notifier {
	return &Notifier{logger: observability.Nop()}
}

// OutputChanged publishes the current state of an output row. Failures are
// logged and swallowed.
func (n *Notifier) OutputChanged(ctx context.Context, out *storage.DocumentOutput) {
	if n == nil || n.pub == nil || out == nil {
		return
	}

	ev := EventFromOutput(out)
	if err := n.pub.Publish(ctx, OutputChannel(ev.DocumentID), ev); err != nil {
		n.logger.Warn().
			Err(err).
			Str("document_id", ev.DocumentID).
			Str("output_type", ev.OutputType).
			Str("status", ev.Status).
			Msg("Failed to publish output event")
	}
}
