package reconciler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// maxReportBoxes bounds the boxes[] array of a single report.
const maxReportBoxes = 500

// Report is one status report from a locker.
//
// Only Boxes drives state. TotalBoxes, EmptyBoxes and IsFull are the
// device's own view of its aggregates; they are compared against the
// derived values and logged on disagreement, never stored.
type Report struct {
	LockerID     string      `json:"locker_id"`
	TotalBoxes   *int        `json:"totalBoxes,omitempty"`
	EmptyBoxes   *int        `json:"emptyBoxes,omitempty"`
	IsFull       *bool       `json:"isFull,omitempty"`
	Boxes        []BoxReport `json:"boxes"`
	ReportedAt   *time.Time  `json:"reportedAt,omitempty"`
	TemperatureC *float64    `json:"temperature,omitempty"`
}

// BoxReport is one entry of a report's boxes[] array.
type BoxReport struct {
	ID       int               `json:"id"`
	Occupied bool              `json:"occupied"`
	Health   *locker.BoxHealth `json:"health,omitempty"`
	Height   *float64          `json:"height,omitempty"`
	Width    *float64          `json:"width,omitempty"`
	Length   *float64          `json:"length,omitempty"`
}

// Dimensions returns the reported size when all three are present.
func (b BoxReport) Dimensions() *locker.Dimensions {
	if b.Height == nil || b.Width == nil || b.Length == nil {
		return nil
	}
	return &locker.Dimensions{Height: *b.Height, Width: *b.Width, Length: *b.Length}
}

// wireReport accepts the camelCase keys of current firmware and the
// snake_case keys older lockers still send.
type wireReport struct {
	LockerID     string          `json:"locker_id"`
	TotalBoxes   *int            `json:"totalBoxes"`
	TotalBoxesS  *int            `json:"total_boxes"`
	EmptyBoxes   *int            `json:"emptyBoxes"`
	EmptyBoxesS  *int            `json:"empty_boxes"`
	IsFull       *bool           `json:"isFull"`
	IsFullS      *bool           `json:"is_full"`
	Boxes        []wireBox       `json:"boxes"`
	ReportedAt   json.RawMessage `json:"reportedAt"`
	ReportedAtS  json.RawMessage `json:"reported_at"`
	LastOnline   json.RawMessage `json:"last_online"`
	Temperature  *float64        `json:"temperature"`
	TemperatureS *float64        `json:"temperature_c"`
}

type wireBox struct {
	ID         *int              `json:"id"`
	BoxID      *int              `json:"box_id"`
	Occupied   *flexBool         `json:"occupied"`
	IsOccupied *flexBool         `json:"is_occupied"`
	Health     *locker.BoxHealth `json:"health"`
	BoxHealth  *locker.BoxHealth `json:"box_health"`
	Height     *float64          `json:"height"`
	Width      *float64          `json:"width"`
	Length     *float64          `json:"length"`
}

// flexBool decodes true/false as well as the 0/1 integers SQLite-backed
// firmware emits.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Report) UnmarshalJSON(data []byte) error {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	at, err := parseTimestamp(firstRaw(w.ReportedAt, w.ReportedAtS, w.LastOnline))
	if err != nil {
		return err
	}

	*r = Report{
		LockerID:     w.LockerID,
		TotalBoxes:   first(w.TotalBoxes, w.TotalBoxesS),
		EmptyBoxes:   first(w.EmptyBoxes, w.EmptyBoxesS),
		IsFull:       first(w.IsFull, w.IsFullS),
		ReportedAt:   at,
		TemperatureC: first(w.Temperature, w.TemperatureS),
	}
	if len(w.Boxes) > 0 {
		r.Boxes = make([]BoxReport, 0, len(w.Boxes))
	}
	for i, wb := range w.Boxes {
		id := first(wb.ID, wb.BoxID)
		if id == nil {
			return fmt.Errorf("boxes[%d]: missing id", i)
		}
		occ := first(wb.Occupied, wb.IsOccupied)
		if occ == nil {
			return fmt.Errorf("boxes[%d]: missing occupied", i)
		}
		r.Boxes = append(r.Boxes, BoxReport{
			ID:       *id,
			Occupied: bool(*occ),
			Health:   first(wb.Health, wb.BoxHealth),
			Height:   wb.Height,
			Width:    wb.Width,
			Length:   wb.Length,
		})
	}
	return nil
}

// ParseReport decodes and validates a status payload. A non-empty report
// locker_id must match topicLockerID; an empty one is filled from it.
func ParseReport(topicLockerID string, payload []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return Report{}, fmt.Errorf("%w: %w", locker.ErrValidation, err)
	}
	if r.LockerID == "" {
		r.LockerID = topicLockerID
	}
	if r.LockerID != topicLockerID {
		return Report{}, fmt.Errorf("%w: report locker_id %q does not match topic %q",
			locker.ErrValidation, r.LockerID, topicLockerID)
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Validate checks a report before it touches any state.
func (r Report) Validate() error {
	if err := locker.ValidateLockerID(r.LockerID); err != nil {
		return err
	}
	if len(r.Boxes) > maxReportBoxes {
		return fmt.Errorf("%w: report has %d boxes, limit %d", locker.ErrValidation, len(r.Boxes), maxReportBoxes)
	}
	seen := make(map[int]bool, len(r.Boxes))
	for _, b := range r.Boxes {
		if b.ID <= 0 {
			return fmt.Errorf("%w: box id %d must be positive", locker.ErrValidation, b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: box id %d reported twice", locker.ErrValidation, b.ID)
		}
		seen[b.ID] = true
		if b.Health != nil && !b.Health.Valid() {
			return fmt.Errorf("%w: box %d: unknown health %q", locker.ErrValidation, b.ID, *b.Health)
		}
		if d := b.Dimensions(); d != nil {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("box %d: %w", b.ID, err)
			}
		}
	}
	if r.TotalBoxes != nil && *r.TotalBoxes < 0 {
		return fmt.Errorf("%w: totalBoxes must not be negative", locker.ErrValidation)
	}
	if r.EmptyBoxes != nil && *r.EmptyBoxes < 0 {
		return fmt.Errorf("%w: emptyBoxes must not be negative", locker.ErrValidation)
	}
	return nil
}

// naiveLayout is the zone-less ISO form older locker firmware sends.
// Such timestamps are taken as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// parseTimestamp accepts RFC 3339 strings, zone-less ISO strings and Unix
// epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
		t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", s)
		}
		return &t, nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %s", raw)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func first[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
