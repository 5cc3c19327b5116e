package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// Logger defines the logging interface used by the reconciler.
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

// applyTimeout bounds one report's transaction when it arrives from the
// broker, where there is no caller context.
const applyTimeout = 10 * time.Second

// Reconciler applies locker status reports to the registry.
type Reconciler struct {
	registry *locker.Registry
	topics   mqtt.Topics
	logger   Logger
	metrics  *metrics.Metrics
}

// New creates a reconciler writing through registry. topics is used to
// extract the locker id from inbound topic names.
func New(registry *locker.Registry, topics mqtt.Topics) *Reconciler {
	return &Reconciler{
		registry: registry,
		topics:   topics,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics sets the collectors report outcomes are recorded on.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Outcome summarises what one report changed.
type Outcome struct {
	Created      bool `json:"created"` // locker self-registered with this report
	BoxesAdded   int  `json:"boxes_added"`
	BoxesChanged int  `json:"boxes_changed"` // occupancy or health changes, excluding additions
	PickedUp     int  `json:"picked_up"`     // occupied -> empty transitions, one history entry each
}

// Apply reconciles rep into the stored state of lockerID as one atomic
// unit.
//
// Boxes named in the report are created if missing and brought to the
// reported occupancy and health; boxes the report omits are left alone.
// Re-applying the same report changes nothing. A report whose reportedAt is
// older than the stored last_online is rejected with ErrStaleReport unless
// the locker is Offline.
func (r *Reconciler) Apply(ctx context.Context, lockerID string, rep Report) (Outcome, error) {
	if rep.LockerID == "" {
		rep.LockerID = lockerID
	}
	if rep.LockerID != lockerID {
		return Outcome{}, fmt.Errorf("%w: report for %q applied to %q", locker.ErrValidation, rep.LockerID, lockerID)
	}
	if err := rep.Validate(); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	var derived locker.Aggregates
	err := r.registry.UpdateOrCreate(ctx, lockerID, func(m *locker.Mutation) error {
		out = Outcome{Created: m.Created()}
		l := m.Locker()

		reportedAt := m.Now()
		if rep.ReportedAt != nil {
			reportedAt = rep.ReportedAt.UTC()
		}
		if !m.Created() && l.Status != locker.StatusOffline &&
			l.LastOnline != nil && reportedAt.Before(*l.LastOnline) {
			return fmt.Errorf("%w: %s reported at %s, last online %s", locker.ErrStaleReport,
				lockerID, reportedAt.Format(time.RFC3339Nano), l.LastOnline.Format(time.RFC3339Nano))
		}

		for _, br := range rep.Boxes {
			if err := applyBox(m, br, &out); err != nil {
				return err
			}
		}

		if l.Status == locker.StatusOffline {
			l.Status = locker.StatusActive
		}
		l.LastOnline = &reportedAt
		if rep.TemperatureC != nil {
			t := *rep.TemperatureC
			l.TemperatureC = &t
		}

		derived = m.Aggregates()
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	r.checkReportedAggregates(lockerID, rep, derived)
	if out.Created {
		r.logger.Info("locker self-registered", "locker_id", lockerID, "boxes", out.BoxesAdded)
	}
	r.metrics.SetLockerBoxes(lockerID, derived.Total, derived.Occupied, derived.Full)
	return out, nil
}

func applyBox(m *locker.Mutation, br BoxReport, out *Outcome) error {
	cur, ok := m.Box(br.ID)
	if !ok {
		b, err := m.AddBox(br.ID, br.Dimensions())
		if err != nil {
			return err
		}
		cur = b
		out.BoxesAdded++
	}

	changed := false
	switch {
	case br.Occupied:
		occupied, err := m.Occupy(br.ID)
		if err != nil {
			return err
		}
		changed = occupied
	case cur.Status.Occupied():
		if _, err := m.Clear(br.ID); err != nil {
			return err
		}
		changed = true
		out.PickedUp++
	}

	if br.Health != nil {
		healthChanged, err := m.SetHealth(br.ID, *br.Health)
		if err != nil {
			return err
		}
		changed = changed || healthChanged
	}

	if changed && ok {
		out.BoxesChanged++
	}
	return nil
}

// checkReportedAggregates logs when the device's own counters disagree with
// the derived ones. The derived values always win.
func (r *Reconciler) checkReportedAggregates(lockerID string, rep Report, derived locker.Aggregates) {
	mismatch := (rep.TotalBoxes != nil && *rep.TotalBoxes != derived.Total) ||
		(rep.EmptyBoxes != nil && *rep.EmptyBoxes != derived.EmptyLeft) ||
		(rep.IsFull != nil && *rep.IsFull != (derived.Fullness == locker.FullnessFull))
	if !mismatch {
		return
	}
	r.logger.Warn("reported aggregates disagree with box states",
		"locker_id", lockerID,
		"reported_total", deref(rep.TotalBoxes),
		"reported_empty", deref(rep.EmptyBoxes),
		"reported_full", deref(rep.IsFull),
		"total", derived.Total,
		"empty_left", derived.EmptyLeft,
		"fullness", derived.Fullness,
	)
}

// HandleStatus is the broker handler for {prefix}/+/status.
//
// Malformed and stale reports are logged and dropped. Persistence failures
// are logged and the report is dropped; the locker will report again.
// It always returns nil so one misbehaving locker cannot disturb others.
func (r *Reconciler) HandleStatus(topic string, payload []byte) error {
	t, ok := r.topics.Parse(topic)
	if !ok || t.Kind != mqtt.KindStatus || len(t.Rest) != 0 {
		r.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		r.metrics.ObserveReport(metrics.ReportMalformed)
		return nil
	}

	rep, err := ParseReport(t.LockerID, payload)
	if err != nil {
		r.logger.Warn("dropping malformed status report", "locker_id", t.LockerID, "error", err)
		r.metrics.ObserveReport(metrics.ReportMalformed)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	out, err := r.Apply(ctx, t.LockerID, rep)
	switch {
	case err == nil:
		r.metrics.ObserveReport(metrics.ReportApplied)
		r.logger.Debug("status report applied",
			"locker_id", t.LockerID,
			"boxes_added", out.BoxesAdded,
			"boxes_changed", out.BoxesChanged,
			"picked_up", out.PickedUp,
		)
	case errors.Is(err, locker.ErrStaleReport):
		r.metrics.ObserveReport(metrics.ReportStale)
		r.logger.Debug("stale status report dropped", "locker_id", t.LockerID, "error", err)
	case errors.Is(err, locker.ErrValidation), errors.Is(err, locker.ErrConflict):
		r.metrics.ObserveReport(metrics.ReportMalformed)
		r.logger.Warn("status report rejected", "locker_id", t.LockerID, "error", err)
	default:
		r.metrics.ObserveReport(metrics.ReportFailed)
		r.logger.Error("status report dropped", "locker_id", t.LockerID, "error", err)
	}
	return nil
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
