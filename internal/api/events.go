package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spherical-ai/docpipe/internal/notify"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams output status changes for one document as server-sent
// events. The current rows are replayed first so a client that reconnects
// never misses state, then live notifications follow until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.Authorize(r.Context(), caller, documentID); err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	if s.subscriber == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured, poll the output endpoints instead")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	msgs, cancel, err := s.subscriber.Subscribe(r.Context(), notify.OutputChannel(documentID.String()))
	if err != nil {
		s.logger.WithContext(r.Context()).Error().Err(err).Str("document_id", documentID.String()).Msg("Event subscription failed")
		writeError(w, http.StatusInternalServerError, "could not subscribe to events")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if outs, err := s.svc.ListOutputs(r.Context(), caller, documentID); err == nil {
		for _, out := range outs {
			writeEvent(w, notify.EventFromOutput(out))
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev notify.OutputEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
