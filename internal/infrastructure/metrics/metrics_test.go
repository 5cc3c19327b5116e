package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveReport(ReportApplied)
	m.ObserveCommand("unlock", "succeeded", time.Second)
	m.SetPendingCommands(3)
	m.SetLockerBoxes("L1", 4, 1, 1)
	m.DeleteLocker("L1")
	m.SetMQTTConnected(true)
	m.SetWebSocketClients(2)

	if m.Registry() != nil {
		t.Error("Registry() on nil Metrics should be nil")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveReport(ReportApplied)
	m.ObserveReport(ReportApplied)
	m.ObserveReport(ReportStale)
	m.ObserveCommand("unlock", "timeout", 30*time.Second)

	if got := testutil.ToFloat64(m.reports.WithLabelValues(ReportApplied)); got != 2 {
		t.Errorf("applied reports = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reports.WithLabelValues(ReportStale)); got != 1 {
		t.Errorf("stale reports = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("unlock", "timeout")); got != 1 {
		t.Errorf("unlock timeouts = %v, want 1", got)
	}
}

func TestLockerBoxesLifecycle(t *testing.T) {
	m := New()
	m.SetLockerBoxes("L1", 4, 2, 1)
	m.SetLockerBoxes("L2", 8, 0, 0)

	if got := testutil.CollectAndCount(m.boxes); got != 6 {
		t.Fatalf("series = %d, want 6", got)
	}
	m.DeleteLocker("L1")
	if got := testutil.CollectAndCount(m.boxes); got != 3 {
		t.Errorf("series after delete = %d, want 3", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.SetMQTTConnected(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"parcelhub_mqtt_connected 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
