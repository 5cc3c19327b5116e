package locker

import (
	"fmt"
	"strings"
	"time"
)

// Status is the operational status of a locker.
type Status string

const (
	StatusOffline     Status = "Offline"
	StatusActive      Status = "Active"
	StatusMaintenance Status = "Maintenance"
	StatusInactive    Status = "Inactive"
)

// Valid reports whether s is a known locker status.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusActive, StatusMaintenance, StatusInactive:
		return true
	}
	return false
}

// Fullness is the derived locker-level occupancy summary.
type Fullness string

const (
	FullnessEmpty        Fullness = "empty"
	FullnessHasSomeSpace Fullness = "has_some_space"
	FullnessFull         Fullness = "full"
)

// BoxStatus is the occupancy status of a single box.
type BoxStatus string

const (
	BoxEmpty    BoxStatus = "empty"
	BoxFull     BoxStatus = "full"
	BoxReserved BoxStatus = "reserved"
	BoxInUse    BoxStatus = "in_use"
)

// Occupied reports whether the status counts as occupied. Reserved and
// in-use boxes are unavailable to new parcels and count as occupied.
func (s BoxStatus) Occupied() bool {
	return s == BoxFull || s == BoxReserved || s == BoxInUse
}

// Valid reports whether s is a known box status.
func (s BoxStatus) Valid() bool {
	return s == BoxEmpty || s.Occupied()
}

// BoxHealth is the hardware health of a box.
type BoxHealth string

const (
	HealthWorking BoxHealth = "working"
	HealthBroken  BoxHealth = "broken"
	HealthOffline BoxHealth = "offline"
)

// Valid reports whether h is a known box health value.
func (h BoxHealth) Valid() bool {
	switch h {
	case HealthWorking, HealthBroken, HealthOffline:
		return true
	}
	return false
}

// Locker is a physical unit containing boxes.
//
// The aggregate fields are derived from the boxes by ComputeAggregates and
// are never accepted from callers.
type Locker struct {
	ID           string   `json:"locker_id"`
	Name         string   `json:"name"`
	BusinessName string   `json:"business_name"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	OpeningHours string   `json:"opening_hours"`
	Status       Status   `json:"status"`

	TotalBoxes     int      `json:"total_boxes"`
	FullBoxes      int      `json:"full_boxes"`
	OccupiedBoxes  int      `json:"occupied_boxes"`
	EmptyBoxesLeft int      `json:"empty_boxes_left"`
	Fullness       Fullness `json:"fullness"`

	LastOnline   *time.Time `json:"last_online,omitempty"`
	TemperatureC *float64   `json:"temperature_c,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Aggregates returns the counters currently stored on the locker.
func (l *Locker) Aggregates() Aggregates {
	return Aggregates{
		Total:     l.TotalBoxes,
		Full:      l.FullBoxes,
		Occupied:  l.OccupiedBoxes,
		EmptyLeft: l.EmptyBoxesLeft,
		Fullness:  l.Fullness,
	}
}

func (l *Locker) setAggregates(a Aggregates) {
	l.TotalBoxes = a.Total
	l.FullBoxes = a.Full
	l.OccupiedBoxes = a.Occupied
	l.EmptyBoxesLeft = a.EmptyLeft
	l.Fullness = a.Fullness
}

// sameState reports whether two lockers hold the same persisted state,
// ignoring UpdatedAt.
func (l *Locker) sameState(o *Locker) bool {
	return l.ID == o.ID &&
		l.Name == o.Name &&
		l.BusinessName == o.BusinessName &&
		equalPtr(l.Latitude, o.Latitude) &&
		equalPtr(l.Longitude, o.Longitude) &&
		l.OpeningHours == o.OpeningHours &&
		l.Status == o.Status &&
		l.Aggregates() == o.Aggregates() &&
		equalTimePtr(l.LastOnline, o.LastOnline) &&
		equalPtr(l.TemperatureC, o.TemperatureC)
}

// Parcel is the customer binding carried by an occupied box.
type Parcel struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	Description   string `json:"description,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
}

// Codes is the two-part unlock verification code of an occupied box.
type Codes struct {
	Part1 string
	Part2 string
}

// String returns the full code a customer types at the locker.
func (c Codes) String() string {
	return c.Part1 + c.Part2
}

// Dimensions are a box's physical size. They are fixed once the box exists.
type Dimensions struct {
	Height float64 `json:"height"`
	Width  float64 `json:"width"`
	Length float64 `json:"length"`
}

// Volume returns height * width * length.
func (d Dimensions) Volume() float64 {
	return d.Height * d.Width * d.Length
}

// Validate checks all dimensions are positive.
func (d Dimensions) Validate() error {
	if d.Height <= 0 || d.Width <= 0 || d.Length <= 0 {
		return fmt.Errorf("%w: box dimensions must be positive", ErrValidation)
	}
	return nil
}

// Box is an individually lockable compartment.
//
// ID is the store-wide identifier; BoxID is the number printed on the door,
// unique within its locker.
type Box struct {
	ID       int64  `json:"id"`
	LockerID string `json:"locker_id"`
	BoxID    int    `json:"box_id"`

	Dimensions
	Volume float64 `json:"volume"`

	Status BoxStatus `json:"status"`
	Health BoxHealth `json:"box_health"`

	OccupiedFrom *time.Time `json:"occupied_from,omitempty"`
	OccupiedTo   *time.Time `json:"occupied_to,omitempty"`

	Parcel *Parcel `json:"parcel,omitempty"`

	// CodePart1 is shown to the customer. CodePart2 is delivered out of band
	// and never serialised.
	CodePart1 string `json:"code_part1,omitempty"`
	CodePart2 string `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Codes returns the box's unlock codes.
func (b *Box) Codes() Codes {
	return Codes{Part1: b.CodePart1, Part2: b.CodePart2}
}

// Clone returns an independent copy of the box.
func (b *Box) Clone() *Box {
	cpy := *b
	if b.Parcel != nil {
		p := *b.Parcel
		cpy.Parcel = &p
	}
	return &cpy
}

// CheckInvariant verifies that parcel binding and unlock codes are present
// exactly when the box is occupied.
func (b *Box) CheckInvariant() error {
	occupied := b.Status.Occupied()
	if occupied != (b.Parcel != nil) {
		return fmt.Errorf("box %s/%d: status %s with parcel binding present=%v", b.LockerID, b.BoxID, b.Status, b.Parcel != nil)
	}
	hasCodes := b.CodePart1 != "" && b.CodePart2 != ""
	anyCode := b.CodePart1 != "" || b.CodePart2 != ""
	if (occupied && !hasCodes) || (!occupied && anyCode) {
		return fmt.Errorf("box %s/%d: status %s with unlock codes inconsistent", b.LockerID, b.BoxID, b.Status)
	}
	return nil
}

// HistoryEntry is an immutable snapshot of a box taken at pickup.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	BoxRef     int64     `json:"box_ref"`
	Snapshot   Box       `json:"snapshot"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ValidateLockerID rejects IDs that cannot be used as a single MQTT topic
// level.
func ValidateLockerID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: locker id is required", ErrValidation)
	case len(id) > maxLockerIDLength:
		return fmt.Errorf("%w: locker id exceeds %d characters", ErrValidation, maxLockerIDLength)
	case strings.ContainsAny(id, "/+#"):
		return fmt.Errorf("%w: locker id must not contain '/', '+' or '#'", ErrValidation)
	}
	return nil
}

const maxLockerIDLength = 64

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
