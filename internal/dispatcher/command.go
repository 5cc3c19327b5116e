package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// Action is a command verb understood by locker firmware.
type Action string

const (
	ActionUnlock Action = "unlock"
	ActionFill   Action = "fill"
	ActionPickup Action = "pickup"
	// ActionRefresh asks the locker for its full box list. It is sent as a
	// request on {prefix}/{id}/request/boxes, not as a box command.
	ActionRefresh Action = "boxes"
)

// boxLevel reports whether the action addresses a single box.
func (a Action) boxLevel() bool {
	return a == ActionUnlock || a == ActionFill || a == ActionPickup
}

// Outcome is the caller-visible result class of a command.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeUnknown is reported for timeouts and cancellations. It never
	// means the command failed.
	OutcomeUnknown Outcome = "unknown"
)

// Target identifies what a command is for. BoxID is zero for locker-level
// requests.
type Target struct {
	LockerID string `json:"locker_id"`
	BoxID    int    `json:"box_id,omitempty"`
}

func (t Target) key(a Action) string {
	if a.boxLevel() {
		return fmt.Sprintf("%s/%d", t.LockerID, t.BoxID)
	}
	return t.LockerID + "/" + string(a)
}

func (t Target) validate(a Action) error {
	if err := locker.ValidateLockerID(t.LockerID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	switch {
	case a.boxLevel() && t.BoxID <= 0:
		return fmt.Errorf("%w: %s needs a positive box id", ErrInvalidCommand, a)
	case !a.boxLevel() && a != ActionRefresh:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, a)
	case a == ActionRefresh && t.BoxID != 0:
		return fmt.Errorf("%w: %s is a locker-level request", ErrInvalidCommand, a)
	}
	return nil
}

// Result is the resolution of one command.
type Result struct {
	RequestID string          `json:"request_id"`
	Target    Target          `json:"target"`
	Action    Action          `json:"action"`
	Outcome   Outcome         `json:"outcome"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Elapsed   time.Duration   `json:"-"`
}

// message is the command body published to the device.
type message struct {
	Action    Action `json:"action"`
	BoxID     int    `json:"box_id,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// response is the part of a device answer the dispatcher interprets. The
// whole document is handed back to the caller as Result.Payload.
type response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

// succeeded interprets the result field. Firmware sends either a boolean
// or one of a few success words; anything else is a rejection. A missing
// result counts as success since older firmware only echoes requestId.
func (r response) succeeded() bool {
	raw := bytes.TrimSpace(r.Result)
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(s) {
		case "success", "succeeded", "ok", "done", "unlocked":
			return true
		}
	}
	return false
}
