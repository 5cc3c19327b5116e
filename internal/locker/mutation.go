package locker

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Mutation is the view of one locker handed to a MutateFunc. It is only
// valid for the duration of the callback.
//
// Box transitions are applied in memory and written, together with the
// recomputed aggregates, when the callback returns nil.
type Mutation struct {
	tx      Tx
	locker  *Locker
	before  Locker
	created bool
	deleted bool
	now     time.Time

	boxes   map[int]*Box
	dirty   map[int]bool
	history []pendingHistory

	codes       CodeGenerator
	defaultDims Dimensions
}

type pendingHistory struct {
	boxID int
	entry *HistoryEntry
}

// MutateFunc changes a locker through m. Returning an error rolls back
// everything it did.
type MutateFunc func(m *Mutation) error

func newMutation(tx Tx, l *Locker, boxes []Box, created bool, now time.Time, codes CodeGenerator, dims Dimensions) *Mutation {
	m := &Mutation{
		tx:          tx,
		locker:      l,
		before:      *l,
		created:     created,
		now:         now,
		boxes:       make(map[int]*Box, len(boxes)),
		dirty:       make(map[int]bool),
		codes:       codes,
		defaultDims: dims,
	}
	for i := range boxes {
		b := boxes[i]
		m.boxes[b.BoxID] = &b
	}
	return m
}

// Locker returns the locker being mutated. Metadata fields may be edited
// directly. Aggregate fields are overwritten when the mutation is written.
func (m *Mutation) Locker() *Locker { return m.locker }

// Created reports whether the locker was created by this mutation.
func (m *Mutation) Created() bool { return m.created }

// Now is the timestamp applied to everything written by this mutation.
func (m *Mutation) Now() time.Time { return m.now }

// Box returns a copy of the box numbered boxID.
func (m *Mutation) Box(boxID int) (Box, bool) {
	b, ok := m.boxes[boxID]
	if !ok {
		return Box{}, false
	}
	return *b.Clone(), true
}

// Boxes returns copies of all boxes ordered by BoxID.
func (m *Mutation) Boxes() []Box {
	ids := make([]int, 0, len(m.boxes))
	for id := range m.boxes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Box, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.boxes[id].Clone())
	}
	return out
}

// Aggregates computes the counters for the boxes as they stand now.
func (m *Mutation) Aggregates() Aggregates {
	return ComputeAggregates(m.Boxes())
}

// AddBox creates an empty working box. A nil dims uses the registry default.
func (m *Mutation) AddBox(boxID int, dims *Dimensions) (Box, error) {
	if boxID <= 0 {
		return Box{}, fmt.Errorf("%w: box id must be positive", ErrValidation)
	}
	if _, exists := m.boxes[boxID]; exists {
		return Box{}, fmt.Errorf("%w: box %s/%d already exists", ErrConflict, m.locker.ID, boxID)
	}
	d := m.defaultDims
	if dims != nil {
		d = *dims
	}
	if err := d.Validate(); err != nil {
		return Box{}, err
	}

	b := &Box{
		LockerID:   m.locker.ID,
		BoxID:      boxID,
		Dimensions: d,
		Volume:     d.Volume(),
		Status:     BoxEmpty,
		Health:     HealthWorking,
		UpdatedAt:  m.now,
	}
	m.boxes[boxID] = b
	m.dirty[boxID] = true
	return *b.Clone(), nil
}

// Fill binds a parcel to an empty working box. Nil codes are generated.
func (m *Mutation) Fill(boxID int, p Parcel, codes *Codes) (Box, error) {
	b, err := m.box(boxID)
	if err != nil {
		return Box{}, err
	}
	c, err := m.resolveCodes(codes)
	if err != nil {
		return Box{}, err
	}
	if err := fillBox(b, p, c, m.now); err != nil {
		return Box{}, err
	}
	m.dirty[boxID] = true
	return *b.Clone(), nil
}

// Bind attaches a parcel to a box the hardware already reported occupied
// with a blank binding. Nil codes keep the ones issued at occupation.
func (m *Mutation) Bind(boxID int, p Parcel, codes *Codes) (Box, error) {
	b, err := m.box(boxID)
	if err != nil {
		return Box{}, err
	}
	c := b.Codes()
	if codes != nil {
		if c, err = m.resolveCodes(codes); err != nil {
			return Box{}, err
		}
	}
	if err := bindParcel(b, p, c, m.now); err != nil {
		return Box{}, err
	}
	m.dirty[boxID] = true
	return *b.Clone(), nil
}

// Occupy marks a box occupied on the hardware's word, with a blank parcel
// binding and fresh codes. Already occupied boxes are left alone.
func (m *Mutation) Occupy(boxID int) (changed bool, err error) {
	b, err := m.box(boxID)
	if err != nil {
		return false, err
	}
	if b.Status.Occupied() {
		return false, nil
	}
	c, err := m.resolveCodes(nil)
	if err != nil {
		return false, err
	}
	if err := occupyFromDevice(b, c, m.now); err != nil {
		return false, err
	}
	m.dirty[boxID] = true
	return true, nil
}

// Clear empties an occupied box and queues its pre-transition snapshot for
// the history table. The returned entry's ID is set once the mutation is
// written.
func (m *Mutation) Clear(boxID int) (*HistoryEntry, error) {
	b, err := m.box(boxID)
	if err != nil {
		return nil, err
	}
	snapshot, err := clearBox(b, m.now)
	if err != nil {
		return nil, err
	}
	entry := &HistoryEntry{Snapshot: snapshot, RecordedAt: m.now}
	m.history = append(m.history, pendingHistory{boxID: boxID, entry: entry})
	m.dirty[boxID] = true
	return entry, nil
}

// SetHealth changes a box's health. It never touches history.
func (m *Mutation) SetHealth(boxID int, h BoxHealth) (changed bool, err error) {
	if !h.Valid() {
		return false, fmt.Errorf("%w: unknown box health %q", ErrValidation, h)
	}
	b, err := m.box(boxID)
	if err != nil {
		return false, err
	}
	if b.Health == h {
		return false, nil
	}
	b.Health = h
	b.UpdatedAt = m.now
	m.dirty[boxID] = true
	return true, nil
}

// Delete removes the locker with its boxes and history when the mutation
// is written.
func (m *Mutation) Delete() { m.deleted = true }

func (m *Mutation) box(boxID int) (*Box, error) {
	b, ok := m.boxes[boxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrBoxNotFound, m.locker.ID, boxID)
	}
	return b, nil
}

func (m *Mutation) resolveCodes(codes *Codes) (Codes, error) {
	if codes != nil {
		if err := validateCodes(*codes); err != nil {
			return Codes{}, err
		}
		return *codes, nil
	}
	return m.codes()
}

// flush writes the mutation and returns the events to publish after commit.
func (m *Mutation) flush(ctx context.Context) ([]Event, error) {
	if m.deleted {
		if err := m.tx.DeleteLocker(ctx, m.locker.ID); err != nil {
			return nil, err
		}
		return []Event{{Type: EventLockerDeleted, LockerID: m.locker.ID}}, nil
	}

	var events []Event
	for _, b := range m.Boxes() {
		if !m.dirty[b.BoxID] {
			continue
		}
		live := m.boxes[b.BoxID]
		if err := live.CheckInvariant(); err != nil {
			return nil, err
		}
		if live.ID == 0 {
			if err := m.tx.InsertBox(ctx, live); err != nil {
				return nil, err
			}
		} else if err := m.tx.UpdateBox(ctx, live); err != nil {
			return nil, err
		}
		events = append(events, Event{Type: EventBoxUpdated, LockerID: m.locker.ID, Box: live.Clone()})
	}

	for _, ph := range m.history {
		ph.entry.BoxRef = m.boxes[ph.boxID].ID
		ph.entry.Snapshot.ID = ph.entry.BoxRef
		if err := m.tx.AppendHistory(ctx, ph.entry); err != nil {
			return nil, err
		}
		h := *ph.entry
		events = append(events, Event{Type: EventHistoryAppended, LockerID: m.locker.ID, History: &h})
	}

	agg := m.Aggregates()
	if !agg.Consistent() {
		return nil, fmt.Errorf("locker %s: inconsistent aggregates %+v", m.locker.ID, agg)
	}
	m.locker.setAggregates(agg)

	if m.created || len(m.dirty) > 0 || !m.locker.sameState(&m.before) {
		m.locker.UpdatedAt = m.now
		if err := m.tx.UpdateLocker(ctx, m.locker); err != nil {
			return nil, err
		}
		l := *m.locker
		events = append(events, Event{Type: EventLockerUpdated, LockerID: m.locker.ID, Locker: &l})
	}
	return events, nil
}
