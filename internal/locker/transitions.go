package locker

import (
	"fmt"
	"strings"
	"time"
)

// Box state transitions. These are the only functions that move a box
// between empty and occupied; Mutation calls them and records the result.

// fillBox binds a parcel to an empty box.
func fillBox(b *Box, p Parcel, codes Codes, now time.Time) error {
	if b.Status != BoxEmpty {
		return fmt.Errorf("%w: box %s/%d is %s, want empty", ErrConflict, b.LockerID, b.BoxID, b.Status)
	}
	if b.Health != HealthWorking {
		return fmt.Errorf("%w: box %s/%d is %s", ErrConflict, b.LockerID, b.BoxID, b.Health)
	}
	occupy(b, BoxFull, p, codes, now)
	return nil
}

// occupyFromDevice marks an empty box occupied because the hardware says so.
// No customer is known; the binding is present but blank.
func occupyFromDevice(b *Box, codes Codes, now time.Time) error {
	if b.Status.Occupied() {
		return fmt.Errorf("%w: box %s/%d already %s", ErrConflict, b.LockerID, b.BoxID, b.Status)
	}
	occupy(b, BoxFull, Parcel{}, codes, now)
	return nil
}

// bindParcel attaches an operator's parcel to a box the hardware has
// already reported occupied. Only a blank binding may be replaced.
func bindParcel(b *Box, p Parcel, codes Codes, now time.Time) error {
	if !b.Status.Occupied() {
		return fmt.Errorf("%w: box %s/%d is empty, want device-occupied", ErrConflict, b.LockerID, b.BoxID)
	}
	if b.Parcel != nil && b.Parcel.CustomerName != "" {
		return fmt.Errorf("%w: box %s/%d already holds a parcel for another customer", ErrConflict, b.LockerID, b.BoxID)
	}
	b.Parcel = &p
	b.CodePart1 = codes.Part1
	b.CodePart2 = codes.Part2
	b.UpdatedAt = now
	return nil
}

func occupy(b *Box, status BoxStatus, p Parcel, codes Codes, now time.Time) {
	b.Status = status
	b.Parcel = &p
	b.CodePart1 = codes.Part1
	b.CodePart2 = codes.Part2
	b.OccupiedFrom = &now
	b.OccupiedTo = nil
	b.UpdatedAt = now
}

// clearBox empties an occupied box and returns the snapshot taken just
// before, with OccupiedTo stamped.
func clearBox(b *Box, now time.Time) (Box, error) {
	if !b.Status.Occupied() {
		return Box{}, fmt.Errorf("%w: box %s/%d is already empty", ErrConflict, b.LockerID, b.BoxID)
	}

	snapshot := *b.Clone()
	snapshot.OccupiedTo = &now

	b.Status = BoxEmpty
	b.Parcel = nil
	b.CodePart1 = ""
	b.CodePart2 = ""
	b.OccupiedFrom = nil
	b.OccupiedTo = nil
	b.UpdatedAt = now
	return snapshot, nil
}

// validateParcel checks a parcel supplied by an operator.
func validateParcel(p Parcel) error {
	if strings.TrimSpace(p.CustomerName) == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if len(p.CustomerName) > maxFieldLength || len(p.CustomerPhone) > maxFieldLength ||
		len(p.Description) > maxDescriptionLength || len(p.Merchant) > maxFieldLength {
		return fmt.Errorf("%w: parcel field too long", ErrValidation)
	}
	return nil
}

const (
	maxFieldLength       = 128
	maxDescriptionLength = 1024
)
