package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/infrastructure/database"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/parcelhub-core/internal/locker"
	_ "github.com/nerrad567/parcelhub-core/migrations"
)

var testTopics = mqtt.NewTopics("lockers", "parcelhub/system")

type testLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *testLogger) Debug(string, ...any) {}
func (l *testLogger) Info(string, ...any)  {}
func (l *testLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, "ERROR "+msg)
	l.mu.Unlock()
}
func (l *testLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

type fixture struct {
	reg   *locker.Registry
	rec   *Reconciler
	log   *testLogger
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "reconciler.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	f := &fixture{
		reg:   locker.NewRegistry(locker.NewSQLiteStore(db)),
		log:   &testLogger{},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reg.SetClock(func() time.Time { return f.clock })
	f.rec = New(f.reg, testTopics)
	f.rec.SetLogger(f.log)
	return f
}

func (f *fixture) boxes(t *testing.T, lockerID string) []locker.Box {
	t.Helper()
	boxes, err := f.reg.ListBoxes(context.Background(), lockerID)
	if err != nil {
		t.Fatalf("ListBoxes() error = %v", err)
	}
	return boxes
}

func (f *fixture) history(t *testing.T, b locker.Box) []locker.HistoryEntry {
	t.Helper()
	h, err := f.reg.GetBoxHistory(context.Background(), b.ID, 0)
	if err != nil {
		t.Fatalf("GetBoxHistory() error = %v", err)
	}
	return h
}

func report(at time.Time, occupied ...bool) Report {
	r := Report{ReportedAt: &at}
	for i, occ := range occupied {
		r.Boxes = append(r.Boxes, BoxReport{ID: i + 1, Occupied: occ})
	}
	return r
}

func TestApply_SelfRegistersUnknownLocker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	total, empty := 4, 4

	rep := report(f.clock, false, false, false, false)
	rep.TotalBoxes, rep.EmptyBoxes = &total, &empty

	out, err := f.rec.Apply(ctx, "L1", rep)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !out.Created || out.BoxesAdded != 4 || out.PickedUp != 0 {
		t.Errorf("Outcome = %+v", out)
	}

	l, err := f.reg.GetLocker(ctx, "L1")
	if err != nil {
		t.Fatalf("GetLocker() error = %v", err)
	}
	want := locker.Aggregates{Total: 4, Full: 0, Occupied: 0, EmptyLeft: 4, Fullness: locker.FullnessEmpty}
	if got := l.Aggregates(); got != want {
		t.Errorf("aggregates = %+v, want %+v", got, want)
	}
	if l.Status != locker.StatusActive {
		t.Errorf("Status = %s, want Active", l.Status)
	}
	if l.LastOnline == nil || !l.LastOnline.Equal(f.clock) {
		t.Errorf("LastOnline = %v, want %v", l.LastOnline, f.clock)
	}
	if len(f.log.warns) != 0 {
		t.Errorf("unexpected warnings %v", f.log.warns)
	}
}

func TestApply_DuplicateReportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock

	if _, err := f.rec.Apply(ctx, "L1", report(t0, true, false)); err != nil {
		t.Fatalf("Apply(occupied) error = %v", err)
	}
	b1 := f.boxes(t, "L1")[0]
	if b1.Status != locker.BoxFull || b1.Parcel == nil || b1.CodePart1 == "" {
		t.Fatalf("box 1 after occupied report = %+v", b1)
	}

	empty := report(t0.Add(time.Minute), false, false)
	first, err := f.rec.Apply(ctx, "L1", empty)
	if err != nil {
		t.Fatalf("Apply(empty) error = %v", err)
	}
	second, err := f.rec.Apply(ctx, "L1", empty)
	if err != nil {
		t.Fatalf("Apply(empty) again error = %v", err)
	}

	if first.PickedUp != 1 || second.PickedUp != 0 || second.BoxesChanged != 0 {
		t.Errorf("outcomes = %+v then %+v", first, second)
	}
	if h := f.history(t, b1); len(h) != 1 {
		t.Fatalf("history entries = %d, want 1", len(h))
	} else if h[0].Snapshot.Status != locker.BoxFull {
		t.Errorf("snapshot status = %s, want full", h[0].Snapshot.Status)
	}

	l, _ := f.reg.GetLocker(ctx, "L1")
	if l.OccupiedBoxes != 0 || l.EmptyBoxesLeft != 2 {
		t.Errorf("aggregates = %+v", l.Aggregates())
	}
}

func TestApply_RejectsStaleReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock

	if _, err := f.rec.Apply(ctx, "L1", report(t0, true)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	_, err := f.rec.Apply(ctx, "L1", report(t0.Add(-time.Second), false))
	if !errors.Is(err, locker.ErrStaleReport) {
		t.Fatalf("Apply(stale) error = %v, want ErrStaleReport", err)
	}
	if b := f.boxes(t, "L1")[0]; b.Status != locker.BoxFull {
		t.Errorf("stale report changed box to %s", b.Status)
	}

	// Equal timestamps are not stale.
	if _, err := f.rec.Apply(ctx, "L1", report(t0, true)); err != nil {
		t.Errorf("Apply(same time) error = %v", err)
	}

	// After a disconnect the first report is accepted whatever its age.
	if _, err := f.reg.SetLockerStatus(ctx, "L1", locker.StatusOffline); err != nil {
		t.Fatalf("SetLockerStatus() error = %v", err)
	}
	if _, err := f.rec.Apply(ctx, "L1", report(t0.Add(-time.Hour), false)); err != nil {
		t.Fatalf("Apply(offline, old) error = %v", err)
	}
	l, _ := f.reg.GetLocker(ctx, "L1")
	if l.Status != locker.StatusActive {
		t.Errorf("Status = %s, want Active", l.Status)
	}
}

func TestApply_LaggingDeviceClockAfterConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clock

	if _, err := f.rec.Apply(ctx, "L1", report(t0, false)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// The device clock runs 30s behind the server's.
	f.clock = t0.Add(time.Minute)
	if _, err := f.reg.SetLockerStatus(ctx, "L1", locker.StatusActive); err != nil {
		t.Fatalf("SetLockerStatus() error = %v", err)
	}
	if _, err := f.rec.Apply(ctx, "L1", report(t0.Add(30*time.Second), true)); err != nil {
		t.Fatalf("Apply() after connect error = %v", err)
	}
	if b := f.boxes(t, "L1")[0]; b.Status != locker.BoxFull {
		t.Errorf("box status = %s, want full", b.Status)
	}
}

func TestApply_HealthAndDimensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := locker.HealthBroken
	h, w, l := 30.0, 40.0, 50.0

	rep := Report{Boxes: []BoxReport{
		{ID: 1, Occupied: false, Height: &h, Width: &w, Length: &l},
		{ID: 2, Occupied: false, Health: &broken},
	}}
	if _, err := f.rec.Apply(ctx, "L1", rep); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	boxes := f.boxes(t, "L1")
	if boxes[0].Volume != 60000 {
		t.Errorf("box 1 volume = %v, want 60000", boxes[0].Volume)
	}
	if boxes[1].Health != locker.HealthBroken || boxes[1].Height != 20 {
		t.Errorf("box 2 = %+v", boxes[1])
	}

	// Dimensions are fixed once the box exists.
	h2 := 99.0
	f.clock = f.clock.Add(time.Minute)
	rep.Boxes[0].Height = &h2
	if _, err := f.rec.Apply(ctx, "L1", rep); err != nil {
		t.Fatalf("Apply() again error = %v", err)
	}
	if got := f.boxes(t, "L1")[0].Height; got != 30 {
		t.Errorf("box 1 height = %v, want 30", got)
	}
	for _, b := range f.boxes(t, "L1") {
		if n := len(f.history(t, b)); n != 0 {
			t.Errorf("box %d history = %d, want 0", b.BoxID, n)
		}
	}
}

func TestApply_KeepsOperatorParcel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.rec.Apply(ctx, "L1", report(f.clock, false, false)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := f.reg.Fill(ctx, "L1", 1, locker.FillRequest{Parcel: locker.Parcel{CustomerName: "Alice"}}); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	f.clock = f.clock.Add(time.Minute)
	if _, err := f.rec.Apply(ctx, "L1", report(f.clock, true, false)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	b := f.boxes(t, "L1")[0]
	if b.Parcel == nil || b.Parcel.CustomerName != "Alice" {
		t.Errorf("parcel = %+v, want Alice kept", b.Parcel)
	}
}

func TestApply_LogsDisagreeingAggregates(t *testing.T) {
	f := newFixture(t)
	total, full := 4, true

	rep := report(f.clock, true, false)
	rep.TotalBoxes, rep.IsFull = &total, &full
	if _, err := f.rec.Apply(context.Background(), "L1", rep); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	l, _ := f.reg.GetLocker(context.Background(), "L1")
	if l.TotalBoxes != 2 {
		t.Errorf("TotalBoxes = %d, want derived 2", l.TotalBoxes)
	}
	if len(f.log.warns) != 1 || !strings.Contains(f.log.warns[0], "disagree") {
		t.Errorf("warnings = %v", f.log.warns)
	}
}

func TestApply_RejectsInvalidReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		lockerID string
		rep      Report
	}{
		{"wrong locker", "L1", Report{LockerID: "L2"}},
		{"bad locker id", "L/1", Report{}},
		{"zero box id", "L1", Report{Boxes: []BoxReport{{ID: 0}}}},
		{"duplicate box", "L1", Report{Boxes: []BoxReport{{ID: 1}, {ID: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rec.Apply(ctx, tt.lockerID, tt.rep)
			if !errors.Is(err, locker.ErrValidation) {
				t.Errorf("Apply() error = %v, want ErrValidation", err)
			}
		})
	}

	lockers, err := f.reg.ListLockers(ctx)
	if err != nil {
		t.Fatalf("ListLockers() error = %v", err)
	}
	if len(lockers) != 0 {
		t.Errorf("invalid reports created %d lockers", len(lockers))
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"not json", "lockers/L9/status", "{"},
		{"locker mismatch", "lockers/L9/status", `{"locker_id":"L8","boxes":[]}`},
		{"wrong topic", "lockers/L9/response/boxes", `{"boxes":[]}`},
		{"box without id", "lockers/L9/status", `{"boxes":[{"occupied":true}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.rec.HandleStatus(tt.topic, []byte(tt.payload)); err != nil {
				t.Errorf("HandleStatus() error = %v, want nil", err)
			}
		})
	}
	if _, err := f.reg.GetLocker(ctx, "L9"); !errors.Is(err, locker.ErrLockerNotFound) {
		t.Fatalf("malformed reports created locker: %v", err)
	}

	payload := fmt.Sprintf(`{"locker_id":"L9","totalBoxes":2,"emptyBoxes":1,"isFull":false,
		"boxes":[{"id":1,"occupied":true},{"id":2,"occupied":false}],"reportedAt":%q}`,
		f.clock.Format(time.RFC3339))
	if err := f.rec.HandleStatus("lockers/L9/status", []byte(payload)); err != nil {
		t.Fatalf("HandleStatus() error = %v", err)
	}
	l, err := f.reg.GetLocker(ctx, "L9")
	if err != nil {
		t.Fatalf("GetLocker() error = %v", err)
	}
	if l.OccupiedBoxes != 1 || l.Fullness != locker.FullnessHasSomeSpace {
		t.Errorf("aggregates = %+v", l.Aggregates())
	}
}

func TestApply_ConcurrentLockers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.rec.Apply(ctx, fmt.Sprintf("L%d", i), report(f.clock, i%2 == 0, false, true))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Apply() error = %v", err)
		}
	}

	lockers, _ := f.reg.ListLockers(ctx)
	if len(lockers) != 8 {
		t.Fatalf("lockers = %d, want 8", len(lockers))
	}
	for _, l := range lockers {
		if l.OccupiedBoxes+l.EmptyBoxesLeft != l.TotalBoxes {
			t.Errorf("%s aggregates inconsistent: %+v", l.ID, l.Aggregates())
		}
	}
}
