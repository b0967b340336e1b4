package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/outputs"
	"github.com/spherical-ai/docpipe/internal/storage"
)

type requestOutputBody struct {
	OutputType string          `json:"outputType"`
	Options    json.RawMessage `json:"options,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
}

type coverageResponse struct {
	coverage.Snapshot
	Ready bool `json:"ready"`
}

type locateResponse struct {
	PageIndex *int `json:"pageIndex"`
}

func (s *Server) handleRequestOutput(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	var body requestOutputBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := outputs.Request{
		DocumentID: documentID,
		OutputType: storage.OutputType(body.OutputType),
		Options:    body.Options,
	}
	if body.RequestID != "" {
		requestID, err := uuid.Parse(body.RequestID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request id")
			return
		}
		req.RequestID = requestID
	}

	receipt, err := s.svc.RequestOutput(r.Context(), caller, req)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	outputType := storage.OutputType(chi.URLParam(r, "outputType"))

	out, err := s.svc.GetOutput(r.Context(), caller, documentID, outputType)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	outs, err := s.svc.ListOutputs(r.Context(), caller, documentID)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	if outs == nil {
		outs = []*storage.DocumentOutput{}
	}
	writeJSON(w, http.StatusOK, outs)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	snap, err := s.svc.Coverage(r.Context(), caller, documentID)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, coverageResponse{Snapshot: snap, Ready: snap.Ready()})
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}

	pages, err := s.svc.Pages(r.Context(), caller, documentID)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	if pages == nil {
		pages = []*storage.DocumentPage{}
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	documentID, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic query parameter is required")
		return
	}

	page, found, err := s.svc.Locate(r.Context(), caller, documentID, topic)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	var resp locateResponse
	if found {
		resp.PageIndex = &page
	}
	writeJSON(w, http.StatusOK, resp)
}

func documentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	documentID, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return uuid.Nil, false
	}
	return documentID, true
}

func (s *Server) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outputs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, outputs.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized for document")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.WithContext(ctx).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
