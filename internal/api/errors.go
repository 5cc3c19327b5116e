package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// Error represents a structured error response.
//
// Outcome is set on write endpoints so a client can tell a definite failure
// from an unknown one without parsing the status code.
type Error struct {
	Status    int                `json:"status"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Outcome   dispatcher.Outcome `json:"outcome,omitempty"`
	RequestID string             `json:"request_id,omitempty"` // correlation id of a dispatched command
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodePending        = "command_pending"
	ErrCodeTimeout        = "command_timeout"
	ErrCodeTransport      = "transport_error"
	ErrCodeDeviceRejected = "device_rejected"
	ErrCodeUnavailable    = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeRejected writes a 400 for a write whose request could not be parsed.
// Nothing was attempted, so the outcome is a definite failure.
func writeRejected(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Error{
		Status:  http.StatusBadRequest,
		Code:    ErrCodeBadRequest,
		Message: message,
		Outcome: dispatcher.OutcomeFailed,
	})
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// classify maps a domain error to its HTTP status, error code and write
// outcome. Anything unrecognised is an internal error with a failed outcome,
// since nothing was sent to a device.
func classify(err error) (status int, code string, outcome dispatcher.Outcome) {
	switch {
	case errors.Is(err, locker.ErrValidation), errors.Is(err, dispatcher.ErrInvalidCommand):
		return http.StatusBadRequest, ErrCodeValidation, dispatcher.OutcomeFailed
	case errors.Is(err, locker.ErrLockerNotFound), errors.Is(err, locker.ErrBoxNotFound):
		return http.StatusNotFound, ErrCodeNotFound, dispatcher.OutcomeFailed
	case errors.Is(err, locker.ErrConflict), errors.Is(err, locker.ErrStaleReport):
		return http.StatusConflict, ErrCodeConflict, dispatcher.OutcomeFailed
	case errors.Is(err, dispatcher.ErrCommandAlreadyPending):
		return http.StatusConflict, ErrCodePending, dispatcher.OutcomeFailed
	case errors.Is(err, locker.ErrCodeMismatch):
		return http.StatusForbidden, ErrCodeForbidden, dispatcher.OutcomeFailed
	case errors.Is(err, dispatcher.ErrTimeout), errors.Is(err, dispatcher.ErrCancelled):
		return http.StatusGatewayTimeout, ErrCodeTimeout, dispatcher.OutcomeUnknown
	case errors.Is(err, dispatcher.ErrTransport):
		return http.StatusServiceUnavailable, ErrCodeTransport, dispatcher.OutcomeFailed
	case errors.Is(err, dispatcher.ErrDeviceRejected):
		return http.StatusBadGateway, ErrCodeDeviceRejected, dispatcher.OutcomeFailed
	}
	return http.StatusInternalServerError, ErrCodeInternal, dispatcher.OutcomeFailed
}

// writeDomainError writes err using classify. Internal errors are logged and
// their detail withheld from the client.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeCommandError(w, r, "", err)
}

// writeCommandError is writeDomainError for a failure that happened after a
// command was issued, so the client can correlate it with the device.
func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, outcome := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   msg,
		Outcome:   outcome,
		RequestID: requestID,
	})
}

// writeUnavailable is returned by endpoints that need the command transport
// when none is configured.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, Error{
		Status:  http.StatusServiceUnavailable,
		Code:    ErrCodeUnavailable,
		Message: message,
		Outcome: dispatcher.OutcomeFailed,
	})
}
