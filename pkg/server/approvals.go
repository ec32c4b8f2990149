package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/substratelabs/maestro/pkg/guardrail/approval"
)

// approvalDecision is the inbound body for resolving a pending
// approval request.
type approvalDecision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := []approval.Request{}
	if s.opts.Approvals != nil {
		pending = s.opts.Approvals.ListPending()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "approval id is required")
		return
	}
	var d approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if s.opts.Approvals == nil {
		writeError(w, http.StatusNotFound, approval.ErrNotFound.Error())
		return
	}
	decidedBy := d.DecidedBy
	if decidedBy == "" {
		decidedBy = "api"
	}
	err := s.opts.Approvals.Resolve(id, d.Approved, decidedBy, d.Note)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := approval.StatusDenied
	if d.Approved {
		status = approval.StatusApproved
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": status,
	})
}
