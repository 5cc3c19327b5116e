package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/parcelhub-core/internal/audit"
	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// fillBody is the request body of a fill. The codes are optional and are
// generated when both are omitted.
type fillBody struct {
	locker.Parcel
	CodePart1 string `json:"code_part1,omitempty"`
	CodePart2 string `json:"code_part2,omitempty"`
}

func (b fillBody) request() locker.FillRequest {
	req := locker.FillRequest{Parcel: b.Parcel}
	if b.CodePart1 != "" || b.CodePart2 != "" {
		req.Codes = &locker.Codes{Part1: b.CodePart1, Part2: b.CodePart2}
	}
	return req
}

type pickupBody struct {
	Code string `json:"code,omitempty"`
}

type boxPatch struct {
	Health *locker.BoxHealth `json:"box_health"`
}

// boxRefParam parses the store-wide box id from the {id} path parameter.
func boxRefParam(r *http.Request) (int64, error) {
	ref, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || ref <= 0 {
		return 0, fmt.Errorf("box id must be a positive integer")
	}
	return ref, nil
}

// doorParam parses the per-locker box number from the {box_id} path parameter.
func doorParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "box_id"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("box_id must be a positive integer")
	}
	return n, nil
}

// findBox returns box boxID of lockerID.
func (s *Server) findBox(ctx context.Context, lockerID string, boxID int) (*locker.Box, error) {
	boxes, err := s.registry.ListBoxes(ctx, lockerID)
	if err != nil {
		return nil, err
	}
	for i := range boxes {
		if boxes[i].BoxID == boxID {
			return &boxes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", locker.ErrBoxNotFound, lockerID, boxID)
}

// handleUnlockBox opens a box door. Box state is not changed; the next
// status report carries whatever the door opening led to.
func (s *Server) handleUnlockBox(w http.ResponseWriter, r *http.Request) {
	lockerID := chi.URLParam(r, "id")
	boxID, err := doorParam(r)
	if err != nil {
		writeRejected(w, err.Error())
		return
	}
	b, err := s.findBox(r.Context(), lockerID, boxID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.commander == nil {
		writeUnavailable(w, "command transport is not configured")
		return
	}

	res, err := s.commander.SendCommand(r.Context(), dispatcher.Target{LockerID: lockerID, BoxID: boxID}, dispatcher.ActionUnlock, nil)
	if err != nil {
		s.writeCommandError(w, r, res.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, RequestID: res.RequestID, Box: b})
}

// handleFillBox binds a parcel to an empty box. When fills are hardware
// mediated the box is commanded first and the binding is only stored after
// the device confirms.
func (s *Server) handleFillBox(w http.ResponseWriter, r *http.Request) {
	lockerID := chi.URLParam(r, "id")
	boxID, err := doorParam(r)
	if err != nil {
		writeRejected(w, err.Error())
		return
	}
	var body fillBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeRejected(w, "invalid JSON: "+err.Error())
		return
	}
	req := body.request()

	var requestID string
	if s.cmdCfg.HardwareMediated {
		if err := s.registry.CheckFill(r.Context(), lockerID, boxID, req); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if s.commander == nil {
			writeUnavailable(w, "command transport is not configured")
			return
		}
		res, err := s.commander.SendCommand(r.Context(), dispatcher.Target{LockerID: lockerID, BoxID: boxID}, dispatcher.ActionFill, nil)
		if err != nil {
			s.writeCommandError(w, r, res.RequestID, err)
			return
		}
		requestID = res.RequestID
	}

	var b *locker.Box
	if s.cmdCfg.HardwareMediated {
		b, err = s.registry.ConfirmFill(r.Context(), lockerID, boxID, req)
	} else {
		b, err = s.registry.Fill(r.Context(), lockerID, boxID, req)
	}
	if err != nil {
		if requestID != "" {
			s.logger.Warn("box confirmed fill but binding was not stored",
				"locker_id", lockerID, "box_id", boxID, "request_id", requestID, "error", err)
		}
		s.writeCommandError(w, r, requestID, err)
		return
	}
	s.recordAudit(audit.ActionFill, audit.EntityBox, boxEntityID(lockerID, boxID), requestID, nil)
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, RequestID: requestID, Box: b})
}

// handleGetBox returns a box by its store-wide id.
func (s *Server) handleGetBox(w http.ResponseWriter, r *http.Request) {
	ref, err := boxRefParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	b, err := s.registry.GetBox(r.Context(), ref)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleUpdateBox edits a box's health. Occupancy cannot be edited here.
func (s *Server) handleUpdateBox(w http.ResponseWriter, r *http.Request) {
	ref, err := boxRefParam(r)
	if err != nil {
		writeRejected(w, err.Error())
		return
	}
	var patch boxPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeRejected(w, "invalid JSON: "+err.Error())
		return
	}
	if patch.Health == nil {
		writeRejected(w, "box_health is required")
		return
	}

	b, err := s.registry.SetBoxHealth(r.Context(), ref, *patch.Health)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(audit.ActionUpdate, audit.EntityBox, boxEntityID(b.LockerID, b.BoxID), "",
		map[string]any{"box_health": string(b.Health)})
	writeJSON(w, http.StatusOK, writeResult{Outcome: dispatcher.OutcomeSucceeded, Box: b})
}

// handleBoxHistory returns a box's pickup snapshots, newest first.
func (s *Server) handleBoxHistory(w http.ResponseWriter, r *http.Request) {
	ref, err := boxRefParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	limit := s.lockerCfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.registry.GetBoxHistory(r.Context(), ref, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []locker.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"box_id":  ref,
		"history": entries,
		"count":   len(entries),
	})
}

// handlePickupBox empties an occupied box and records its history snapshot.
// When pickups are hardware mediated the door is commanded first.
func (s *Server) handlePickupBox(w http.ResponseWriter, r *http.Request) {
	ref, err := boxRefParam(r)
	if err != nil {
		writeRejected(w, err.Error())
		return
	}
	var body pickupBody
	if err := decodeJSON(r, &body, true); err != nil {
		writeRejected(w, "invalid JSON: "+err.Error())
		return
	}

	var requestID string
	if s.cmdCfg.HardwareMediated {
		b, err := s.registry.CheckPickup(r.Context(), ref, body.Code)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if s.commander == nil {
			writeUnavailable(w, "command transport is not configured")
			return
		}
		res, err := s.commander.SendCommand(r.Context(), dispatcher.Target{LockerID: b.LockerID, BoxID: b.BoxID}, dispatcher.ActionPickup, nil)
		if err != nil {
			s.writeCommandError(w, r, res.RequestID, err)
			return
		}
		requestID = res.RequestID
	}

	var (
		b     *locker.Box
		entry *locker.HistoryEntry
	)
	if s.cmdCfg.HardwareMediated {
		b, entry, err = s.registry.ConfirmPickup(r.Context(), ref)
	} else {
		b, entry, err = s.registry.Pickup(r.Context(), ref, body.Code)
	}
	if err != nil {
		if requestID != "" {
			s.logger.Warn("box confirmed pickup but state was not cleared",
				"box_ref", ref, "request_id", requestID, "error", err)
		}
		s.writeCommandError(w, r, requestID, err)
		return
	}
	s.recordAudit(audit.ActionPickup, audit.EntityBox, boxEntityID(b.LockerID, b.BoxID), requestID, nil)
	writeJSON(w, http.StatusOK, writeResult{
		Outcome:   dispatcher.OutcomeSucceeded,
		RequestID: requestID,
		Box:       b,
		History:   entry,
	})
}
