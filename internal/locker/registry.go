package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const maxBoxesPerLocker = 500

// Registry is the single writer for locker state and the read gateway in
// front of the store.
//
// All public methods are safe for concurrent use. Writes to one locker are
// serialised; writes to different lockers are not.
type Registry struct {
	store  Store
	locks  *keyedMutex
	logger Logger

	obsMu     sync.RWMutex
	observers []Observer

	now         func() time.Time
	codes       CodeGenerator
	defaultDims Dimensions
}

// NewRegistry creates a registry on store. Boxes created without explicit
// dimensions are 20x20x20 until SetDefaultDimensions says otherwise.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:       store,
		locks:       newKeyedMutex(),
		logger:      noopLogger{},
		now:         func() time.Time { return time.Now().UTC() },
		codes:       RandomCodes,
		defaultDims: Dimensions{Height: 20, Width: 20, Length: 20},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDefaultDimensions sets the size of boxes created without explicit
// dimensions.
func (r *Registry) SetDefaultDimensions(d Dimensions) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.defaultDims = d
	return nil
}

// SetCodeGenerator replaces the unlock code source.
func (r *Registry) SetCodeGenerator(gen CodeGenerator) {
	r.codes = gen
}

// SetClock replaces the time source. Times are converted to UTC.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = func() time.Time { return now().UTC() }
}

// Subscribe registers an observer for committed changes.
func (r *Registry) Subscribe(obs Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, obs)
	r.obsMu.Unlock()
}

type mutateMode int

const (
	mustExist mutateMode = iota
	mayCreate
	mustCreate
)

// Update runs fn against an existing locker as one atomic unit.
// Returns ErrLockerNotFound if the locker does not exist.
func (r *Registry) Update(ctx context.Context, lockerID string, fn MutateFunc) error {
	return r.mutate(ctx, lockerID, mustExist, fn)
}

// UpdateOrCreate is Update, creating the locker Offline with no boxes first
// if it does not exist. Creation and fn commit together.
func (r *Registry) UpdateOrCreate(ctx context.Context, lockerID string, fn MutateFunc) error {
	return r.mutate(ctx, lockerID, mayCreate, fn)
}

func (r *Registry) mutate(ctx context.Context, lockerID string, mode mutateMode, fn MutateFunc) error {
	if err := ValidateLockerID(lockerID); err != nil {
		return err
	}

	unlock := r.locks.Lock(lockerID)
	defer unlock()

	var events []Event
	err := r.store.WithTx(ctx, func(tx Tx) error {
		now := r.now()

		l, err := tx.GetLocker(ctx, lockerID)
		created := false
		switch {
		case err == nil && mode == mustCreate:
			return fmt.Errorf("%w: locker %s already exists", ErrConflict, lockerID)
		case errors.Is(err, ErrLockerNotFound) && mode != mustExist:
			l = &Locker{
				ID:        lockerID,
				Status:    StatusOffline,
				Fullness:  FullnessEmpty,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertLocker(ctx, l); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		}

		boxes, err := tx.ListBoxes(ctx, lockerID)
		if err != nil {
			return err
		}

		m := newMutation(tx, l, boxes, created, now, r.codes, r.defaultDims)
		if err := fn(m); err != nil {
			return err
		}
		events, err = m.flush(ctx)
		return err
	})
	if err != nil {
		return wrapStoreError(err)
	}

	// Still under the locker lock, so observers see one locker's events in
	// commit order.
	r.emit(events)
	return nil
}

func (r *Registry) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, ev := range events {
		for _, obs := range observers {
			obs(ev)
		}
	}
}

func wrapStoreError(err error) error {
	if isDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// NewLocker describes a locker to provision.
type NewLocker struct {
	ID           string      `json:"locker_id"`
	Name         string      `json:"name"`
	BusinessName string      `json:"business_name"`
	Latitude     *float64    `json:"latitude"`
	Longitude    *float64    `json:"longitude"`
	OpeningHours string      `json:"opening_hours"`
	Status       Status      `json:"status"`
	Boxes        int         `json:"boxes"`
	Dimensions   *Dimensions `json:"dimensions,omitempty"`
}

// CreateLocker provisions a locker with Boxes empty boxes numbered from 1.
func (r *Registry) CreateLocker(ctx context.Context, spec NewLocker) (*Locker, error) {
	if spec.Boxes < 0 || spec.Boxes > maxBoxesPerLocker {
		return nil, fmt.Errorf("%w: boxes must be between 0 and %d", ErrValidation, maxBoxesPerLocker)
	}
	if spec.Status == "" {
		spec.Status = StatusOffline
	}
	if !spec.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown locker status %q", ErrValidation, spec.Status)
	}
	if err := validateCoordinates(spec.Latitude, spec.Longitude); err != nil {
		return nil, err
	}
	if spec.Dimensions != nil {
		if err := spec.Dimensions.Validate(); err != nil {
			return nil, err
		}
	}

	var out *Locker
	err := r.mutate(ctx, spec.ID, mustCreate, func(m *Mutation) error {
		l := m.Locker()
		l.Name = strings.TrimSpace(spec.Name)
		l.BusinessName = strings.TrimSpace(spec.BusinessName)
		l.Latitude, l.Longitude = spec.Latitude, spec.Longitude
		l.OpeningHours = spec.OpeningHours
		l.Status = spec.Status
		for i := 1; i <= spec.Boxes; i++ {
			if _, err := m.AddBox(i, spec.Dimensions); err != nil {
				return err
			}
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("locker created", "locker_id", spec.ID, "boxes", spec.Boxes)
	return out, nil
}

// LockerPatch is a metadata edit. Nil fields are left unchanged. Aggregate
// counters cannot be patched.
type LockerPatch struct {
	Name         *string  `json:"name,omitempty"`
	BusinessName *string  `json:"business_name,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	OpeningHours *string  `json:"opening_hours,omitempty"`
	Status       *Status  `json:"status,omitempty"`
}

// UpdateLocker applies a metadata edit.
func (r *Registry) UpdateLocker(ctx context.Context, id string, patch LockerPatch) (*Locker, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown locker status %q", ErrValidation, *patch.Status)
	}

	var out *Locker
	err := r.Update(ctx, id, func(m *Mutation) error {
		l := m.Locker()
		lat, lon := l.Latitude, l.Longitude
		if patch.Latitude != nil {
			lat = patch.Latitude
		}
		if patch.Longitude != nil {
			lon = patch.Longitude
		}
		if err := validateCoordinates(lat, lon); err != nil {
			return err
		}
		l.Latitude, l.Longitude = lat, lon

		if patch.Name != nil {
			l.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.BusinessName != nil {
			l.BusinessName = strings.TrimSpace(*patch.BusinessName)
		}
		if patch.OpeningHours != nil {
			l.OpeningHours = *patch.OpeningHours
		}
		if patch.Status != nil {
			l.Status = *patch.Status
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteLocker removes a locker, its boxes and their history in one
// transaction.
func (r *Registry) DeleteLocker(ctx context.Context, id string) error {
	err := r.Update(ctx, id, func(m *Mutation) error {
		m.Delete()
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("locker deleted", "locker_id", id)
	return nil
}

// SetLockerStatus records an administrative connect (Active) or disconnect
// (Offline). LastOnline is left alone: it holds the device's own report
// clock, and a server-side stamp would make a lagging device look stale.
func (r *Registry) SetLockerStatus(ctx context.Context, id string, status Status) (*Locker, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown locker status %q", ErrValidation, status)
	}

	var out *Locker
	err := r.Update(ctx, id, func(m *Mutation) error {
		l := m.Locker()
		l.Status = status
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FillRequest binds a parcel to a box. Codes is optional; nil generates them.
type FillRequest struct {
	Parcel Parcel
	Codes  *Codes
}

// Fill binds a parcel to an empty box. Returns ErrConflict if the box is not
// empty or not working.
func (r *Registry) Fill(ctx context.Context, lockerID string, boxID int, req FillRequest) (*Box, error) {
	if err := validateParcel(req.Parcel); err != nil {
		return nil, err
	}

	var out Box
	err := r.Update(ctx, lockerID, func(m *Mutation) error {
		b, err := m.Fill(boxID, req.Parcel, req.Codes)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("box filled", "locker_id", lockerID, "box_id", boxID)
	return &out, nil
}

// ConfirmFill stores the binding for a fill the hardware has confirmed.
// The locker's own status report may already have marked the box occupied
// with a blank binding; the parcel is then bound onto it.
func (r *Registry) ConfirmFill(ctx context.Context, lockerID string, boxID int, req FillRequest) (*Box, error) {
	if err := validateParcel(req.Parcel); err != nil {
		return nil, err
	}

	var out Box
	err := r.Update(ctx, lockerID, func(m *Mutation) error {
		var err error
		if cur, ok := m.Box(boxID); ok && cur.Status.Occupied() {
			out, err = m.Bind(boxID, req.Parcel, req.Codes)
		} else {
			out, err = m.Fill(boxID, req.Parcel, req.Codes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("box filled", "locker_id", lockerID, "box_id", boxID, "confirmed", true)
	return &out, nil
}

// CheckFill validates that a fill could be applied right now without
// applying it. Hardware-mediated fills call it before talking to the device.
func (r *Registry) CheckFill(ctx context.Context, lockerID string, boxID int, req FillRequest) error {
	if err := validateParcel(req.Parcel); err != nil {
		return err
	}
	if req.Codes != nil {
		if err := validateCodes(*req.Codes); err != nil {
			return err
		}
	}
	boxes, err := r.ListBoxes(ctx, lockerID)
	if err != nil {
		return err
	}
	for i := range boxes {
		if boxes[i].BoxID != boxID {
			continue
		}
		b := boxes[i]
		if b.Status != BoxEmpty {
			return fmt.Errorf("%w: box %s/%d is %s, want empty", ErrConflict, lockerID, boxID, b.Status)
		}
		if b.Health != HealthWorking {
			return fmt.Errorf("%w: box %s/%d is %s", ErrConflict, lockerID, boxID, b.Health)
		}
		return nil
	}
	return fmt.Errorf("%w: %s/%d", ErrBoxNotFound, lockerID, boxID)
}

// Pickup empties an occupied working box, appending its snapshot to the
// history. A non-empty code must match the box's full unlock code.
func (r *Registry) Pickup(ctx context.Context, boxRef int64, code string) (*Box, *HistoryEntry, error) {
	lockerID, boxID, err := r.ResolveBox(ctx, boxRef)
	if err != nil {
		return nil, nil, err
	}

	var (
		out   Box
		entry *HistoryEntry
	)
	err = r.Update(ctx, lockerID, func(m *Mutation) error {
		cur, ok := m.Box(boxID)
		if !ok || cur.ID != boxRef {
			return fmt.Errorf("%w: %d", ErrBoxNotFound, boxRef)
		}
		if err := checkPickup(&cur, code); err != nil {
			return err
		}
		h, err := m.Clear(boxID)
		if err != nil {
			return err
		}
		entry = h
		out, _ = m.Box(boxID)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("box picked up", "locker_id", lockerID, "box_id", boxID)
	return &out, entry, nil
}

// ConfirmPickup empties a box whose pickup the hardware has confirmed. The
// code was checked before the door was commanded. If the locker's status
// report already emptied the box, the box is returned as is with its most
// recent history entry.
func (r *Registry) ConfirmPickup(ctx context.Context, boxRef int64) (*Box, *HistoryEntry, error) {
	lockerID, boxID, err := r.ResolveBox(ctx, boxRef)
	if err != nil {
		return nil, nil, err
	}

	var (
		out   Box
		entry *HistoryEntry
	)
	err = r.Update(ctx, lockerID, func(m *Mutation) error {
		cur, ok := m.Box(boxID)
		if !ok || cur.ID != boxRef {
			return fmt.Errorf("%w: %d", ErrBoxNotFound, boxRef)
		}
		if cur.Status.Occupied() {
			h, err := m.Clear(boxID)
			if err != nil {
				return err
			}
			entry = h
			out, _ = m.Box(boxID)
			return nil
		}
		latest, err := m.tx.ListHistory(ctx, boxRef, 1)
		if err != nil {
			return err
		}
		if len(latest) > 0 {
			entry = &latest[0]
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("box picked up", "locker_id", lockerID, "box_id", boxID, "confirmed", true)
	return &out, entry, nil
}

// CheckPickup validates that a pickup could be applied right now without
// applying it.
func (r *Registry) CheckPickup(ctx context.Context, boxRef int64, code string) (*Box, error) {
	b, err := r.GetBox(ctx, boxRef)
	if err != nil {
		return nil, err
	}
	if err := checkPickup(b, code); err != nil {
		return nil, err
	}
	return b, nil
}

func checkPickup(b *Box, code string) error {
	if !b.Status.Occupied() {
		return fmt.Errorf("%w: box %s/%d is empty", ErrConflict, b.LockerID, b.BoxID)
	}
	if b.Health != HealthWorking {
		return fmt.Errorf("%w: box %s/%d is %s", ErrConflict, b.LockerID, b.BoxID, b.Health)
	}
	if code != "" && code != b.Codes().String() {
		return ErrCodeMismatch
	}
	return nil
}

// SetBoxHealth changes a box's health without touching its history.
func (r *Registry) SetBoxHealth(ctx context.Context, boxRef int64, health BoxHealth) (*Box, error) {
	if !health.Valid() {
		return nil, fmt.Errorf("%w: unknown box health %q", ErrValidation, health)
	}
	lockerID, boxID, err := r.ResolveBox(ctx, boxRef)
	if err != nil {
		return nil, err
	}

	var out Box
	err = r.Update(ctx, lockerID, func(m *Mutation) error {
		if _, err := m.SetHealth(boxID, health); err != nil {
			return err
		}
		out, _ = m.Box(boxID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveBox maps a store-wide box reference to its locker and door number.
func (r *Registry) ResolveBox(ctx context.Context, boxRef int64) (lockerID string, boxID int, err error) {
	b, err := r.GetBox(ctx, boxRef)
	if err != nil {
		return "", 0, err
	}
	return b.LockerID, b.BoxID, nil
}

// ListLockers returns every locker ordered by ID.
func (r *Registry) ListLockers(ctx context.Context) ([]Locker, error) {
	lockers, err := r.store.ListLockers(ctx)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return lockers, nil
}

// GetLocker returns ErrLockerNotFound if the locker does not exist.
func (r *Registry) GetLocker(ctx context.Context, id string) (*Locker, error) {
	l, err := r.store.GetLocker(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return l, nil
}

// ListBoxes returns ErrLockerNotFound for an unknown locker, otherwise its
// boxes ordered by BoxID.
func (r *Registry) ListBoxes(ctx context.Context, lockerID string) ([]Box, error) {
	if _, err := r.GetLocker(ctx, lockerID); err != nil {
		return nil, err
	}
	boxes, err := r.store.ListBoxes(ctx, lockerID)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return boxes, nil
}

// GetBox returns ErrBoxNotFound if the box does not exist.
func (r *Registry) GetBox(ctx context.Context, boxRef int64) (*Box, error) {
	b, err := r.store.GetBox(ctx, boxRef)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return b, nil
}

// GetBoxHistory returns a box's pickup snapshots, newest first. limit <= 0
// uses the default of 50; values above 200 are clamped.
func (r *Registry) GetBoxHistory(ctx context.Context, boxRef int64, limit int) ([]HistoryEntry, error) {
	if _, err := r.GetBox(ctx, boxRef); err != nil {
		return nil, err
	}
	entries, err := r.store.ListHistory(ctx, boxRef, limit)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return entries, nil
}

func validateCoordinates(lat, lon *float64) error {
	if lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if lon != nil && (*lon < -180 || *lon > 180) {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	return nil
}
