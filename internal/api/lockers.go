package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/parcelhub-core/internal/audit"
	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/locker"
	"github.com/nerrad567/parcelhub-core/internal/reconciler"
)

// writeResult is the body of every successful write. Outcome is always
// "succeeded" here; failures and unknown outcomes go through Error.
type writeResult struct {
	Outcome    dispatcher.Outcome   `json:"outcome"`
	RequestID  string               `json:"request_id,omitempty"`
	LockerID   string               `json:"locker_id,omitempty"`
	Locker     *locker.Locker       `json:"locker,omitempty"`
	Box        *locker.Box          `json:"box,omitempty"`
	History    *locker.HistoryEntry `json:"history,omitempty"`
	Reconciled *reconciler.Outcome  `json:"reconciled,omitempty"`
}

// decodeJSON reads the request body into v. Unknown fields are rejected so
// derived values such as aggregates or box status cannot be smuggled in.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// handleListLockers returns every locker with its aggregates.
func (s *Server) handleListLockers(w http.ResponseWriter, r *http.Request) {
	lockers, err := s.registry.ListLockers(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if lockers == nil {
		lockers = []locker.Locker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lockers": lockers,
		"count":   len(lockers),
	})
}

// handleCreateLocker provisions a locker with empty boxes.
func (s *Server) handleCreateLocker(w http.ResponseWriter, r *http.Request) {
	var req locker.NewLocker
	if err := decodeJSON(r, &req, false); err != nil {
		writeRejected(w, "invalid JSON: "+err.Error())
		return
	}

	l, err := s.registry.CreateLocker(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(audit.ActionCreate, audit.EntityLocker, l.ID, "", map[string]any{"boxes": l.TotalBoxes})
	writeJSON(w, http.StatusCreated, writeResult{Outcome: dispatcher.OutcomeSucceeded, Locker: l})
}

func (s *Server) handleGetLocker(w http.ResponseWriter, r *http.Request) {
	l, err := s.registry.GetLocker(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleUpdateLocker applies a metadata edit. Aggregates are not editable.
func (s *Server) handleUpdateLocker(w http.ResponseWriter, r *http.Request) {
	var patch locker.LockerPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeRejected(w, "invalid JSON: "+err.Error())
		return
	}

	l, err := s.registry.UpdateLocker(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(audit.ActionUpdate, audit.EntityLocker, l.ID, "", nil)
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, Locker: l})
}

// handleDeleteLocker removes a locker with its boxes and history.
func (s *Server) handleDeleteLocker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.DeleteLocker(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(audit.ActionDelete, audit.EntityLocker, id, "", nil)
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, LockerID: id})
}

func (s *Server) handleConnectLocker(w http.ResponseWriter, r *http.Request) {
	s.setLockerStatus(w, r, locker.StatusActive, audit.ActionConnect)
}

func (s *Server) handleDisconnectLocker(w http.ResponseWriter, r *http.Request) {
	s.setLockerStatus(w, r, locker.StatusOffline, audit.ActionDisconnect)
}

func (s *Server) setLockerStatus(w http.ResponseWriter, r *http.Request, status locker.Status, action string) {
	l, err := s.registry.SetLockerStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(action, audit.EntityLocker, l.ID, "", nil)
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, Locker: l})
}

// handleRefreshLocker asks the locker for its box list and reconciles the
// answer as a status report.
func (s *Server) handleRefreshLocker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.GetLocker(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.commander == nil {
		writeUnavailable(w, "command transport is not configured")
		return
	}

	res, err := s.commander.SendCommand(r.Context(), dispatcher.Target{LockerID: id}, dispatcher.ActionRefresh, nil)
	if err != nil {
		s.writeCommandError(w, r, res.RequestID, err)
		return
	}

	rep, err := reconciler.ParseReport(id, res.Payload)
	if err != nil {
		s.logger.Warn("malformed box list from locker", "locker_id", id, "request_id", res.RequestID, "error", err)
		writeJSON(w, http.StatusBadGateway, Error{
			Status:    http.StatusBadGateway,
			Code:      ErrCodeDeviceRejected,
			Message:   err.Error(),
			Outcome:   dispatcher.OutcomeFailed,
			RequestID: res.RequestID,
		})
		return
	}

	out, err := s.reconciler.Apply(r.Context(), id, rep)
	if err != nil {
		s.writeCommandError(w, r, res.RequestID, err)
		return
	}
	l, err := s.registry.GetLocker(r.Context(), id)
	if err != nil {
		s.writeCommandError(w, r, res.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{
		Outcome:    dispatcher.OutcomeSucceeded,
		RequestID:  res.RequestID,
		Locker:     l,
		Reconciled: &out,
	})
}

// handleListBoxes returns a locker's boxes ordered by door number.
func (s *Server) handleListBoxes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	boxes, err := s.registry.ListBoxes(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if boxes == nil {
		boxes = []locker.Box{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locker_id": id,
		"boxes":     boxes,
		"count":     len(boxes),
	})
}
