// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/arbormap/arbormap/internal/sync"
	"github.com/arbormap/arbormap/internal/validation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	var out []*sync.DomainStatus
	for _, name := range s.syncer.Domains() {
		st, err := s.syncer.Status(name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	respondSuccess(w, http.StatusOK, out)
}

func (s *Server) handleDomainStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.syncer.Status(chi.URLParam(r, "domain"))
	if err != nil {
		respondError(w, http.StatusNotFound, "UNKNOWN_DOMAIN", err.Error(), nil)
		return
	}
	respondSuccess(w, http.StatusOK, st)
}

// syncRequest is the optional body of a sync trigger.
type syncRequest struct {
	Mode string `json:"mode" validate:"omitempty,oneof=full auto"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Mode: "full"}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return
	}

	run := s.syncer.RunFull
	if req.Mode == "auto" {
		run = s.syncer.RunAuto
	}
	s.runStep(w, r, chi.URLParam(r, "domain"), run)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, chi.URLParam(r, "domain"), s.syncer.RunUpdate)
}

func (s *Server) handleComplement(w http.ResponseWriter, r *http.Request) {
	s.runStep(w, r, chi.URLParam(r, "domain"), s.syncer.RunComplement)
}

// runStep executes one sync run synchronously. The orchestrator already
// serializes runs, so a concurrent trigger simply waits its turn.
func (s *Server) runStep(w http.ResponseWriter, r *http.Request, name string,
	run func(context.Context, string) (*sync.RunStats, error)) {

	if _, err := s.syncer.Status(name); err != nil {
		respondError(w, http.StatusNotFound, "UNKNOWN_DOMAIN", err.Error(), nil)
		return
	}

	stats, err := run(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SYNC_FAILED", err.Error(), err)
		return
	}
	respondSuccess(w, http.StatusOK, summarize(stats))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "domain")
	if err := s.syncer.ClearDomain(name); err != nil {
		respondError(w, http.StatusNotFound, "UNKNOWN_DOMAIN", err.Error(), nil)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]string{"domain": name, "cleared": "true"})
}

// decodeBody decodes an optional JSON body; an empty body leaves the
// target's defaults in place.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
