package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/locker"
	"github.com/nerrad567/parcelhub-core/internal/reconciler"
)

type lockerResult struct {
	Outcome    dispatcher.Outcome   `json:"outcome"`
	RequestID  string               `json:"request_id"`
	Locker     *locker.Locker       `json:"locker"`
	Box        *locker.Box          `json:"box"`
	History    *locker.HistoryEntry `json:"history"`
	Reconciled *struct {
		Created    bool `json:"created"`
		BoxesAdded int  `json:"boxes_added"`
	} `json:"reconciled"`
}

type historyList struct {
	History []locker.HistoryEntry `json:"history"`
	Count   int                   `json:"count"`
}

type boxList struct {
	LockerID string       `json:"locker_id"`
	Boxes    []locker.Box `json:"boxes"`
	Count    int          `json:"count"`
}

func createLocker(t *testing.T, h http.Handler, id string, boxes int) *locker.Locker {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/lockers", fmt.Sprintf(`{"locker_id":%q,"name":"Station %s","boxes":%d}`, id, id, boxes))
	if w.Code != http.StatusCreated {
		t.Fatalf("create locker %s status = %d, body = %s", id, w.Code, w.Body.String())
	}
	return decode[lockerResult](t, w).Locker
}

// boxRef returns the store-wide id of door boxID in lockerID.
func boxRef(t *testing.T, h http.Handler, lockerID string, boxID int) int64 {
	t.Helper()
	w := do(t, h, http.MethodGet, "/api/v1/lockers/"+lockerID+"/boxes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list boxes status = %d, body = %s", w.Code, w.Body.String())
	}
	for _, b := range decode[boxList](t, w).Boxes {
		if b.BoxID == boxID {
			return b.ID
		}
	}
	t.Fatalf("box %s/%d not listed", lockerID, boxID)
	return 0
}

func getLocker(t *testing.T, h http.Handler, id string) locker.Locker {
	t.Helper()
	w := do(t, h, http.MethodGet, "/api/v1/lockers/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get locker %s status = %d, body = %s", id, w.Code, w.Body.String())
	}
	return decode[locker.Locker](t, w)
}

func assertAggregates(t *testing.T, l locker.Locker, total, full, emptyLeft int, fullness locker.Fullness) {
	t.Helper()
	if l.TotalBoxes != total || l.FullBoxes != full || l.EmptyBoxesLeft != emptyLeft || l.Fullness != fullness {
		t.Errorf("aggregates = {total:%d full:%d empty_left:%d fullness:%s}, want {total:%d full:%d empty_left:%d fullness:%s}",
			l.TotalBoxes, l.FullBoxes, l.EmptyBoxesLeft, l.Fullness, total, full, emptyLeft, fullness)
	}
}

// ─── Locker Tests ──────────────────────────────────────────────────

func TestLockers_CRUD(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/lockers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w)["count"]; got != float64(0) {
		t.Errorf("empty list count = %v, want 0", got)
	}

	l := createLocker(t, router, "L1", 4)
	assertAggregates(t, *l, 4, 0, 4, locker.FullnessEmpty)
	if l.Status != locker.StatusOffline {
		t.Errorf("new locker status = %s, want Offline", l.Status)
	}

	w = do(t, router, http.MethodPatch, "/api/v1/lockers/L1", `{"name":"Main Street","opening_hours":"08:00-20:00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[lockerResult](t, w)
	if res.Outcome != dispatcher.OutcomeSucceeded || res.Locker.Name != "Main Street" || res.Locker.OpeningHours != "08:00-20:00" {
		t.Errorf("patch result = %+v", res)
	}

	w = do(t, router, http.MethodGet, "/api/v1/lockers/L1/boxes", "")
	boxes := decode[boxList](t, w)
	if boxes.Count != 4 || boxes.Boxes[0].Volume != 8000 {
		t.Errorf("boxes = %+v, want 4 boxes of volume 8000", boxes)
	}

	w = do(t, router, http.MethodDelete, "/api/v1/lockers/L1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[lockerResult](t, w).Outcome; got != dispatcher.OutcomeSucceeded {
		t.Errorf("delete outcome = %s, want succeeded", got)
	}

	for _, path := range []string{"/api/v1/lockers/L1", "/api/v1/lockers/L1/boxes"} {
		if w := do(t, router, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s after delete status = %d, want 404", path, w.Code)
		}
	}
}

func TestLockers_Invalid(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 2)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"invalid JSON", http.MethodPost, "/api/v1/lockers", `{`, http.StatusBadRequest},
		{"slash in id", http.MethodPost, "/api/v1/lockers", `{"locker_id":"a/b","boxes":1}`, http.StatusBadRequest},
		{"too many boxes", http.MethodPost, "/api/v1/lockers", `{"locker_id":"L2","boxes":501}`, http.StatusBadRequest},
		{"duplicate", http.MethodPost, "/api/v1/lockers", `{"locker_id":"L1","boxes":1}`, http.StatusConflict},
		{"bad status", http.MethodPatch, "/api/v1/lockers/L1", `{"status":"Exploded"}`, http.StatusBadRequest},
		{"aggregates not editable", http.MethodPatch, "/api/v1/lockers/L1", `{"total_boxes":9}`, http.StatusBadRequest},
		{"patch unknown locker", http.MethodPatch, "/api/v1/lockers/nope", `{"name":"x"}`, http.StatusNotFound},
		{"delete unknown locker", http.MethodDelete, "/api/v1/lockers/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
		})
	}

	assertAggregates(t, getLocker(t, router, "L1"), 2, 0, 2, locker.FullnessEmpty)
}

func TestLockers_ConnectDisconnect(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("connect status = %d", w.Code)
	}
	l := decode[lockerResult](t, w).Locker
	if l.Status != locker.StatusActive {
		t.Errorf("after connect status = %s, want Active", l.Status)
	}

	w = do(t, router, http.MethodPost, "/api/v1/lockers/L1/disconnect", "")
	if got := decode[lockerResult](t, w).Locker.Status; got != locker.StatusOffline {
		t.Errorf("after disconnect status = %s, want Offline", got)
	}

	if w := do(t, router, http.MethodPost, "/api/v1/lockers/nope/connect", ""); w.Code != http.StatusNotFound {
		t.Errorf("connect unknown locker status = %d, want 404", w.Code)
	}
}

// ─── Fill / Pickup Tests ───────────────────────────────────────────

// The Alice scenario: fill, pickup with history, aggregates back to empty.
func TestFillAndPickup(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 4)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice","customer_phone":"+44 7700 900123","description":"shoes"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("fill status = %d, body = %s", w.Code, w.Body.String())
	}
	filled := decode[lockerResult](t, w)
	if filled.Outcome != dispatcher.OutcomeSucceeded || filled.Box.Status != locker.BoxFull {
		t.Fatalf("fill result = %+v", filled)
	}
	if filled.Box.CodePart1 != "1234" {
		t.Errorf("code_part1 = %q, want 1234", filled.Box.CodePart1)
	}
	if filled.RequestID != "" {
		t.Errorf("direct fill request_id = %q, want none", filled.RequestID)
	}
	assertAggregates(t, getLocker(t, router, "L1"), 4, 1, 3, locker.FullnessHasSomeSpace)

	ref := boxRef(t, router, "L1", 1)
	history := fmt.Sprintf("/api/v1/boxes/%d/history", ref)
	if got := decode[historyList](t, do(t, router, http.MethodGet, history, "")).Count; got != 0 {
		t.Errorf("history before pickup count = %v, want 0", got)
	}

	pickup := fmt.Sprintf("/api/v1/boxes/%d/pickup", ref)
	if w := do(t, router, http.MethodPost, pickup, `{"code":"12340000"}`); w.Code != http.StatusForbidden {
		t.Errorf("wrong code status = %d, want 403", w.Code)
	}

	w = do(t, router, http.MethodPost, pickup, `{"code":"12345678"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pickup status = %d, body = %s", w.Code, w.Body.String())
	}
	picked := decode[lockerResult](t, w)
	if picked.Box.Status != locker.BoxEmpty || picked.Box.Parcel != nil || picked.Box.CodePart1 != "" {
		t.Errorf("box after pickup = %+v, want empty without parcel or codes", picked.Box)
	}
	if picked.History == nil || picked.History.Snapshot.Status != locker.BoxFull ||
		picked.History.Snapshot.Parcel == nil || picked.History.Snapshot.Parcel.CustomerName != "Alice" {
		t.Errorf("history = %+v, want full snapshot for Alice", picked.History)
	}
	assertAggregates(t, getLocker(t, router, "L1"), 4, 0, 4, locker.FullnessEmpty)

	list := decode[historyList](t, do(t, router, http.MethodGet, history, ""))
	if list.Count != 1 || list.History[0].Snapshot.Parcel.CustomerName != "Alice" {
		t.Errorf("history = %+v, want one entry for Alice", list)
	}

	if w := do(t, router, http.MethodPost, pickup, ""); w.Code != http.StatusConflict {
		t.Errorf("second pickup status = %d, want 409", w.Code)
	}
}

func TestFill_Invalid(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 2)
	do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/2/fill", `{"customer_name":"Bob"}`)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"no customer", "/api/v1/lockers/L1/boxes/1/fill", `{}`, http.StatusBadRequest},
		{"status not accepted", "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"A","status":"reserved"}`, http.StatusBadRequest},
		{"half a code", "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"A","code_part1":"1111"}`, http.StatusBadRequest},
		{"bad box id", "/api/v1/lockers/L1/boxes/zero/fill", `{"customer_name":"A"}`, http.StatusBadRequest},
		{"unknown box", "/api/v1/lockers/L1/boxes/9/fill", `{"customer_name":"A"}`, http.StatusNotFound},
		{"unknown locker", "/api/v1/lockers/L9/boxes/1/fill", `{"customer_name":"A"}`, http.StatusNotFound},
		{"already full", "/api/v1/lockers/L1/boxes/2/fill", `{"customer_name":"A"}`, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			if got := decode[Error](t, w).Outcome; got != dispatcher.OutcomeFailed {
				t.Errorf("outcome = %s, want failed", got)
			}
		})
	}

	assertAggregates(t, getLocker(t, router, "L1"), 2, 1, 1, locker.FullnessHasSomeSpace)
}

func TestFill_SuppliedCodes(t *testing.T) {
	srv, reg := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice","code_part1":"1111","code_part2":"2222"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("fill status = %d, body = %s", w.Code, w.Body.String())
	}

	b, err := reg.GetBox(t.Context(), boxRef(t, router, "L1", 1))
	if err != nil {
		t.Fatalf("GetBox() error = %v", err)
	}
	if b.Codes().String() != "11112222" {
		t.Errorf("codes = %q, want 11112222", b.Codes().String())
	}
}

func TestFill_HardwareMediated(t *testing.T) {
	tests := []struct {
		name    string
		respond func(dispatcher.Target, dispatcher.Action) (dispatcher.Result, error)
		status  int
		outcome dispatcher.Outcome
		filled  bool
	}{
		{"device confirms", nil, http.StatusOK, dispatcher.OutcomeSucceeded, true},
		{"timeout", failWith(fmt.Errorf("%w: L1/1", dispatcher.ErrTimeout), dispatcher.OutcomeUnknown), http.StatusGatewayTimeout, dispatcher.OutcomeUnknown, false},
		{"device rejects", failWith(dispatcher.ErrDeviceRejected, dispatcher.OutcomeFailed), http.StatusBadGateway, dispatcher.OutcomeFailed, false},
		{"already pending", failWith(dispatcher.ErrCommandAlreadyPending, dispatcher.OutcomeFailed), http.StatusConflict, dispatcher.OutcomeFailed, false},
		{"transport down", failWith(dispatcher.ErrTransport, dispatcher.OutcomeFailed), http.StatusServiceUnavailable, dispatcher.OutcomeFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommander{respond: tt.respond}
			srv, _ := testServer(t, withCommander(cmd), hardwareMediated)
			router := srv.buildRouter()
			createLocker(t, router, "L1", 2)

			w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice"}`)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			res := decode[lockerResult](t, w)
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if res.RequestID == "" {
				t.Error("request_id missing from response")
			}

			calls := cmd.Calls()
			if len(calls) != 1 || calls[0].Action != dispatcher.ActionFill || calls[0].Target != (dispatcher.Target{LockerID: "L1", BoxID: 1}) {
				t.Errorf("commands = %+v, want one fill for L1/1", calls)
			}

			l := getLocker(t, router, "L1")
			if tt.filled {
				assertAggregates(t, l, 2, 1, 1, locker.FullnessHasSomeSpace)
			} else {
				assertAggregates(t, l, 2, 0, 2, locker.FullnessEmpty)
			}
		})
	}
}

// A fill that cannot apply is refused before the door is commanded.
func TestFill_HardwareMediated_PreconditionFirst(t *testing.T) {
	cmd := &fakeCommander{}
	srv, reg := testServer(t, withCommander(cmd), hardwareMediated)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)
	if _, err := reg.Fill(t.Context(), "L1", 1, locker.FillRequest{Parcel: locker.Parcel{CustomerName: "Bob"}}); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	if w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice"}`); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if calls := cmd.Calls(); len(calls) != 0 {
		t.Errorf("commands = %+v, want none", calls)
	}
}

func TestFill_HardwareMediated_NoTransport(t *testing.T) {
	srv, _ := testServer(t, hardwareMediated)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	assertAggregates(t, getLocker(t, router, "L1"), 1, 0, 1, locker.FullnessEmpty)
}

func TestPickup_HardwareMediated(t *testing.T) {
	tests := []struct {
		name     string
		respond  func(dispatcher.Target, dispatcher.Action) (dispatcher.Result, error)
		status   int
		outcome  dispatcher.Outcome
		pickedUp bool
	}{
		{"device confirms", nil, http.StatusOK, dispatcher.OutcomeSucceeded, true},
		{"timeout", failWith(dispatcher.ErrTimeout, dispatcher.OutcomeUnknown), http.StatusGatewayTimeout, dispatcher.OutcomeUnknown, false},
		{"cancelled", failWith(dispatcher.ErrCancelled, dispatcher.OutcomeUnknown), http.StatusGatewayTimeout, dispatcher.OutcomeUnknown, false},
		{"device rejects", failWith(dispatcher.ErrDeviceRejected, dispatcher.OutcomeFailed), http.StatusBadGateway, dispatcher.OutcomeFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommander{respond: tt.respond}
			srv, reg := testServer(t, withCommander(cmd), hardwareMediated)
			router := srv.buildRouter()
			createLocker(t, router, "L1", 2)
			if _, err := reg.Fill(t.Context(), "L1", 2, locker.FillRequest{Parcel: locker.Parcel{CustomerName: "Alice"}}); err != nil {
				t.Fatalf("Fill() error = %v", err)
			}
			ref := boxRef(t, router, "L1", 2)

			w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/boxes/%d/pickup", ref), `{"code":"12345678"}`)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			if got := decode[lockerResult](t, w).Outcome; got != tt.outcome {
				t.Errorf("outcome = %s, want %s", got, tt.outcome)
			}

			calls := cmd.Calls()
			if len(calls) != 1 || calls[0].Action != dispatcher.ActionPickup || calls[0].Target != (dispatcher.Target{LockerID: "L1", BoxID: 2}) {
				t.Errorf("commands = %+v, want one pickup for L1/2", calls)
			}

			entries, err := reg.GetBoxHistory(t.Context(), ref, 0)
			if err != nil {
				t.Fatalf("GetBoxHistory() error = %v", err)
			}
			if tt.pickedUp {
				assertAggregates(t, getLocker(t, router, "L1"), 2, 0, 2, locker.FullnessEmpty)
				if len(entries) != 1 {
					t.Errorf("history entries = %d, want 1", len(entries))
				}
			} else {
				assertAggregates(t, getLocker(t, router, "L1"), 2, 1, 1, locker.FullnessHasSomeSpace)
				if len(entries) != 0 {
					t.Errorf("history entries = %d, want 0", len(entries))
				}
			}
		})
	}
}

// reportThenSucceed has the locker publish its follow-up status report,
// with the door in the given state, before the command answer is handled.
func reportThenSucceed(t *testing.T, srv *Server, occupied bool) func(dispatcher.Target, dispatcher.Action) (dispatcher.Result, error) {
	return func(target dispatcher.Target, action dispatcher.Action) (dispatcher.Result, error) {
		rep := reconciler.Report{Boxes: []reconciler.BoxReport{{ID: target.BoxID, Occupied: occupied}}}
		if _, err := srv.reconciler.Apply(context.Background(), target.LockerID, rep); err != nil {
			t.Errorf("Apply() error = %v", err)
		}
		return dispatcher.Result{RequestID: "req-1", Target: target, Action: action, Outcome: dispatcher.OutcomeSucceeded}, nil
	}
}

func TestFill_HardwareMediated_ReportArrivesFirst(t *testing.T) {
	cmd := &fakeCommander{}
	srv, reg := testServer(t, withCommander(cmd), hardwareMediated)
	cmd.respond = reportThenSucceed(t, srv, true)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 2)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if got := decode[lockerResult](t, w).Outcome; got != dispatcher.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", got)
	}

	b, err := reg.GetBox(t.Context(), boxRef(t, router, "L1", 1))
	if err != nil {
		t.Fatalf("GetBox() error = %v", err)
	}
	if b.Status != locker.BoxFull || b.Parcel == nil || b.Parcel.CustomerName != "Alice" {
		t.Errorf("box = %+v, want full for Alice", b)
	}
	assertAggregates(t, getLocker(t, router, "L1"), 2, 1, 1, locker.FullnessHasSomeSpace)
}

func TestPickup_HardwareMediated_ReportArrivesFirst(t *testing.T) {
	cmd := &fakeCommander{}
	srv, reg := testServer(t, withCommander(cmd), hardwareMediated)
	cmd.respond = reportThenSucceed(t, srv, false)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 2)
	if _, err := reg.Fill(t.Context(), "L1", 2, locker.FillRequest{Parcel: locker.Parcel{CustomerName: "Alice"}}); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	ref := boxRef(t, router, "L1", 2)

	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/boxes/%d/pickup", ref), `{"code":"12345678"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	res := decode[lockerResult](t, w)
	if res.Outcome != dispatcher.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", res.Outcome)
	}
	if res.History == nil || res.History.Snapshot.Parcel == nil || res.History.Snapshot.Parcel.CustomerName != "Alice" {
		t.Errorf("history = %+v, want snapshot for Alice", res.History)
	}

	entries, err := reg.GetBoxHistory(t.Context(), ref, 0)
	if err != nil {
		t.Fatalf("GetBoxHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("history entries = %d, want 1", len(entries))
	}
	assertAggregates(t, getLocker(t, router, "L1"), 2, 0, 2, locker.FullnessEmpty)
}

func TestPickup_WrongCodeNotCommanded(t *testing.T) {
	cmd := &fakeCommander{}
	srv, reg := testServer(t, withCommander(cmd), hardwareMediated)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)
	if _, err := reg.Fill(t.Context(), "L1", 1, locker.FillRequest{Parcel: locker.Parcel{CustomerName: "Alice"}}); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/boxes/%d/pickup", boxRef(t, router, "L1", 1)), `{"code":"00000000"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if calls := cmd.Calls(); len(calls) != 0 {
		t.Errorf("commands = %+v, want none", calls)
	}
}

// ─── Unlock Tests ──────────────────────────────────────────────────

func TestUnlock(t *testing.T) {
	cmd := &fakeCommander{}
	srv, _ := testServer(t, withCommander(cmd))
	router := srv.buildRouter()
	createLocker(t, router, "L1", 2)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/2/unlock", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[lockerResult](t, w)
	if res.Outcome != dispatcher.OutcomeSucceeded || res.RequestID != "req-1" {
		t.Errorf("unlock result = %+v", res)
	}

	calls := cmd.Calls()
	if len(calls) != 1 || calls[0].Action != dispatcher.ActionUnlock || calls[0].Target.BoxID != 2 {
		t.Errorf("commands = %+v, want one unlock for L1/2", calls)
	}

	// Unlock never changes stored state.
	assertAggregates(t, getLocker(t, router, "L1"), 2, 0, 2, locker.FullnessEmpty)
}

func TestUnlock_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *fakeCommander
		path    string
		status  int
		outcome dispatcher.Outcome
		sent    bool
	}{
		{"timeout is unknown", &fakeCommander{respond: failWith(dispatcher.ErrTimeout, dispatcher.OutcomeUnknown)},
			"/api/v1/lockers/L1/boxes/2/unlock", http.StatusGatewayTimeout, dispatcher.OutcomeUnknown, true},
		{"already pending", &fakeCommander{respond: failWith(dispatcher.ErrCommandAlreadyPending, dispatcher.OutcomeFailed)},
			"/api/v1/lockers/L1/boxes/2/unlock", http.StatusConflict, dispatcher.OutcomeFailed, true},
		{"unknown box", &fakeCommander{}, "/api/v1/lockers/L1/boxes/7/unlock", http.StatusNotFound, dispatcher.OutcomeFailed, false},
		{"unknown locker", &fakeCommander{}, "/api/v1/lockers/L9/boxes/1/unlock", http.StatusNotFound, dispatcher.OutcomeFailed, false},
		{"bad box id", &fakeCommander{}, "/api/v1/lockers/L1/boxes/-1/unlock", http.StatusBadRequest, dispatcher.OutcomeFailed, false},
		{"no transport", nil, "/api/v1/lockers/L1/boxes/1/unlock", http.StatusServiceUnavailable, dispatcher.OutcomeFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []func(*Deps)
			if tt.cmd != nil {
				opts = append(opts, withCommander(tt.cmd))
			}
			srv, _ := testServer(t, opts...)
			router := srv.buildRouter()
			createLocker(t, router, "L1", 2)

			w := do(t, router, http.MethodPost, tt.path, "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			if got := decode[Error](t, w).Outcome; got != tt.outcome {
				t.Errorf("outcome = %q, want %q", got, tt.outcome)
			}
			if tt.cmd != nil && (len(tt.cmd.Calls()) == 1) != tt.sent {
				t.Errorf("commands sent = %d, want sent=%v", len(tt.cmd.Calls()), tt.sent)
			}
		})
	}
}

// ─── Refresh Tests ─────────────────────────────────────────────────

func TestRefresh(t *testing.T) {
	cmd := &fakeCommander{
		respond: func(target dispatcher.Target, action dispatcher.Action) (dispatcher.Result, error) {
			return dispatcher.Result{
				RequestID: "req-refresh",
				Target:    target,
				Action:    action,
				Outcome:   dispatcher.OutcomeSucceeded,
				Payload: []byte(`{"requestId":"req-refresh","boxes":[
					{"id":1,"occupied":true},
					{"id":2,"occupied":false},
					{"id":5,"occupied":false,"health":"broken"}]}`),
			}, nil
		},
	}
	srv, _ := testServer(t, withCommander(cmd))
	router := srv.buildRouter()
	createLocker(t, router, "L1", 4)

	w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[lockerResult](t, w)
	if res.RequestID != "req-refresh" || res.Reconciled == nil || res.Reconciled.BoxesAdded != 1 || res.Reconciled.Created {
		t.Errorf("refresh result = %+v", res)
	}
	assertAggregates(t, *res.Locker, 5, 1, 4, locker.FullnessHasSomeSpace)
	if res.Locker.Status != locker.StatusActive {
		t.Errorf("status after refresh = %s, want Active", res.Locker.Status)
	}

	calls := cmd.Calls()
	if len(calls) != 1 || calls[0].Action != dispatcher.ActionRefresh || calls[0].Target != (dispatcher.Target{LockerID: "L1"}) {
		t.Errorf("commands = %+v, want one box list request for L1", calls)
	}
}

func TestRefresh_Errors(t *testing.T) {
	garbage := func(target dispatcher.Target, action dispatcher.Action) (dispatcher.Result, error) {
		return dispatcher.Result{RequestID: "req-x", Target: target, Action: action, Outcome: dispatcher.OutcomeSucceeded,
			Payload: []byte(`{"boxes":[{"id":0,"occupied":true}]}`)}, nil
	}

	tests := []struct {
		name    string
		cmd     *fakeCommander
		locker  string
		status  int
		outcome dispatcher.Outcome
	}{
		{"malformed answer", &fakeCommander{respond: garbage}, "L1", http.StatusBadGateway, dispatcher.OutcomeFailed},
		{"timeout", &fakeCommander{respond: failWith(dispatcher.ErrTimeout, dispatcher.OutcomeUnknown)}, "L1", http.StatusGatewayTimeout, dispatcher.OutcomeUnknown},
		{"unknown locker", &fakeCommander{}, "L9", http.StatusNotFound, dispatcher.OutcomeFailed},
		{"no transport", nil, "L1", http.StatusServiceUnavailable, dispatcher.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []func(*Deps)
			if tt.cmd != nil {
				opts = append(opts, withCommander(tt.cmd))
			}
			srv, _ := testServer(t, opts...)
			router := srv.buildRouter()
			createLocker(t, router, "L1", 2)

			w := do(t, router, http.MethodPost, "/api/v1/lockers/"+tt.locker+"/refresh", "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			if got := decode[Error](t, w).Outcome; got != tt.outcome {
				t.Errorf("outcome = %s, want %s", got, tt.outcome)
			}
			assertAggregates(t, getLocker(t, router, "L1"), 2, 0, 2, locker.FullnessEmpty)
		})
	}
}

// ─── Box Edit Tests ────────────────────────────────────────────────

func TestUpdateBox(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)
	path := fmt.Sprintf("/api/v1/boxes/%d", boxRef(t, router, "L1", 1))

	w := do(t, router, http.MethodPatch, path, `{"box_health":"broken"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[lockerResult](t, w).Box.Health; got != locker.HealthBroken {
		t.Errorf("health = %s, want broken", got)
	}

	// A broken box cannot be filled.
	if w := do(t, router, http.MethodPost, "/api/v1/lockers/L1/boxes/1/fill", `{"customer_name":"Alice"}`); w.Code != http.StatusConflict {
		t.Errorf("fill broken box status = %d, want 409", w.Code)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"status not editable", path, `{"status":"full"}`, http.StatusBadRequest},
		{"missing health", path, `{}`, http.StatusBadRequest},
		{"unknown health", path, `{"box_health":"melted"}`, http.StatusBadRequest},
		{"unknown box", "/api/v1/boxes/999", `{"box_health":"working"}`, http.StatusNotFound},
		{"bad id", "/api/v1/boxes/abc", `{"box_health":"working"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPatch, tt.path, tt.body); w.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
		})
	}

	w = do(t, router, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get box status = %d", w.Code)
	}
	if b := decode[locker.Box](t, w); b.Health != locker.HealthBroken || b.Status != locker.BoxEmpty {
		t.Errorf("box = %+v, want empty and broken", b)
	}
}

func TestBoxHistory_Params(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	createLocker(t, router, "L1", 1)
	ref := boxRef(t, router, "L1", 1)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"default limit", fmt.Sprintf("/api/v1/boxes/%d/history", ref), http.StatusOK},
		{"explicit limit", fmt.Sprintf("/api/v1/boxes/%d/history?limit=5", ref), http.StatusOK},
		{"zero limit", fmt.Sprintf("/api/v1/boxes/%d/history?limit=0", ref), http.StatusBadRequest},
		{"junk limit", fmt.Sprintf("/api/v1/boxes/%d/history?limit=lots", ref), http.StatusBadRequest},
		{"unknown box", "/api/v1/boxes/999/history", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodGet, tt.path, ""); w.Code != tt.status {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
		})
	}
}
