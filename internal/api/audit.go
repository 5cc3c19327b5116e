package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/parcelhub-core/internal/audit"
	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
)

// recordAudit records a successful API write (best-effort).
func (s *Server) recordAudit(action, entityType, entityID, requestID string, details map[string]any) {
	s.auditLog.Record(audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Source:     audit.SourceAPI,
		Outcome:    string(dispatcher.OutcomeSucceeded),
		RequestID:  requestID,
		Details:    details,
	})
}

// boxEntityID names a box in the audit trail.
func boxEntityID(lockerID string, boxID int) string {
	return fmt.Sprintf("%s/%d", lockerID, boxID)
}

// handleListAuditLogs returns paginated audit entries.
//
// Query parameters:
//   - action: create, update, delete, connect, disconnect, fill, pickup, command
//   - entity_type: locker or box
//   - entity_id: locker id, or locker_id/box_id for boxes
//   - outcome: succeeded, failed or unknown
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Outcome:    q.Get("outcome"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
